// Package logging sets up structured slog output for tamizdat.
//
// Logs are JSON lines written to a size-rotated file under ~/.tamizdat/logs/.
// Interactive commands may also copy them to stderr. When serving MCP over
// stdio, stderr is left untouched and only the file is written.
package logging
