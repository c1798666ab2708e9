//go:build !(sqlite_vec && cgo)

package store

import (
	_ "modernc.org/sqlite"
)

// Pure-Go driver; nearest-neighbor ranking is computed in Go.
const (
	driverName         = "sqlite"
	vectorExtAvailable = false
)
