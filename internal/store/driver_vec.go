//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

// cgo driver with the sqlite-vec extension: nearest-neighbor ranking
// runs inside SQLite via a vec0 index.
const (
	driverName         = "sqlite3"
	vectorExtAvailable = true
)

func init() {
	// Register sqlite-vec as an auto-loadable extension for the
	// mattn/go-sqlite3 driver.
	vec.Auto()
}
