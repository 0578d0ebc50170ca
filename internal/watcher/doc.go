// Package watcher re-imports a catalog file when it changes on disk.
//
// The catalog's directory is watched with fsnotify so that editors and
// download tools that write a temporary file and rename it over the catalog
// are seen as one change. Where fsnotify is unavailable (some network mounts
// and container volumes) the file is polled instead. Bursts of events are
// debounced into a single import.
//
// Usage:
//
//	w, err := watcher.New(catalogPath, watcher.WithDebounce(2*time.Second))
//	if err != nil {
//	    return err
//	}
//	return w.Run(ctx, func(ctx context.Context, path string) error {
//	    _, err := engine.Import(ctx, openCatalog(path), opts)
//	    return err
//	})
package watcher
