package scanner

import "github.com/blackwell-systems/flakefinder/internal/capture"

// firstMismatch compares every replay's snapshots against replay 0. The
// earliest resource in replay 0's enumeration order that differs in any
// replay wins; a resource that appears only in a later replay is reported
// after all of replay 0's resources. Returns nil when all replays agree.
func firstMismatch(snaps [][]capture.Snapshot) *capture.Discrepancy {
	if len(snaps) < 2 {
		return nil
	}

	index := make([]map[capture.ResourceKey]capture.Snapshot, len(snaps))
	for i, snap := range snaps {
		index[i] = make(map[capture.ResourceKey]capture.Snapshot, len(snap))
		for _, sn := range snap {
			index[i][sn.Key] = sn
		}
	}

	for _, want := range snaps[0] {
		for r := 1; r < len(snaps); r++ {
			got, ok := index[r][want.Key]
			if !ok {
				return &capture.Discrepancy{
					Resource: want.Key,
					Kind:     want.Kind,
					Replay:   r,
					Expected: want.Digest,
				}
			}
			if got.Digest != want.Digest || got.Size != want.Size {
				return &capture.Discrepancy{
					Resource: want.Key,
					Kind:     want.Kind,
					Replay:   r,
					Expected: want.Digest,
					Actual:   got.Digest,
				}
			}
		}
	}

	for r := 1; r < len(snaps); r++ {
		for _, got := range snaps[r] {
			if _, ok := index[0][got.Key]; !ok {
				return &capture.Discrepancy{
					Resource: got.Key,
					Kind:     got.Kind,
					Replay:   r,
					Actual:   got.Digest,
				}
			}
		}
	}
	return nil
}
