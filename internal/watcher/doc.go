// Package watcher reruns a scan whenever a capture file is rewritten.
//
// The capture's parent directory is watched with fsnotify so that both
// in-place writes and atomic replace-by-rename are seen. Bursts of events
// are debounced, and scans are strictly sequential: changes that arrive
// while a scan is running are coalesced into a single follow-up scan.
//
// Example usage:
//
//	w, err := watcher.New("/captures/frame.rdc", func(ctx context.Context) error {
//		return runScan(ctx)
//	}, watcher.Options{Initial: true})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := w.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer w.Stop()
package watcher
