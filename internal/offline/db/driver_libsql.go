//go:build libsql

package db

import (
	_ "github.com/tursodatabase/go-libsql"
)

func init() {
	drivers["libsql"] = driverSpec{
		name: "libsql",
		fileDSN: func(path string, _ connPragmas) string {
			return "file:" + path
		},
		memoryDSN: func(_ string, _ connPragmas) string {
			return ":memory:"
		},
		execPragmas: true,
	}
}
