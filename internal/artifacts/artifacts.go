// Package artifacts holds files embedded into the binary.
package artifacts

import _ "embed"

// GlobalSettings is the default settings.yaml written by `dedupfs init`.
//
//go:embed global/settings.yaml
var GlobalSettings []byte
