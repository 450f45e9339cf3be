package splitstore

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionFile string

// Version is the current version of the splitstore library.
var Version = strings.TrimSpace(versionFile)
