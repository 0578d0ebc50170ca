// Package configs embeds the configuration template written by
// `tamizdat config init`.
//
// Settings are resolved in this order (see internal/config Load):
//  1. Defaults (config.NewConfig)
//  2. User config (~/.config/tamizdat/config.yaml)
//  3. Project config (.tamizdat.yaml) or the file given with --config
//  4. Environment variables (TAMIZDAT_*)
package configs

import _ "embed"

// UserConfigTemplate is the commented user configuration.
//
//go:embed user-config.example.yaml
var UserConfigTemplate string
