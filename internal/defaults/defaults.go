// Package defaults provides the embedded configuration template written by
// the slo-agent init subcommand.
package defaults

import _ "embed"

//go:embed config.example.yaml
var ConfigYAML []byte
