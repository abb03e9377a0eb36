// Package templates embeds the default configuration and markdown templates.
package templates

import "embed"

//go:embed config.yaml dashboard.md.tmpl summary.md.tmpl
var FS embed.FS
