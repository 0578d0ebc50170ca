// Package preflight checks that tamizdat can import and serve a catalog
// before doing any work.
//
// The checks cover:
//   - Free disk space under the data directory (minimum 100 MB)
//   - Write access to the data directory
//   - File descriptor limits (minimum 1024)
//   - A catalog file's encoding, header and rows (sampled)
//
//	checker := preflight.New()
//	results := checker.RunAll(ctx, dataDir, "catalog.txt")
//	if checker.HasCriticalFailures(results) {
//	    // refuse to import
//	}
package preflight
