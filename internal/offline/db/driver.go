package db

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	_ "github.com/ncruces/go-sqlite3/vfs/memdb"
)

// DefaultDriver is the embedded SQLite driver.
const DefaultDriver = "sqlite3"

// pageSize is the SQLite default; quota is translated to max_page_count with it.
const pageSize = 4096

// connPragmas are applied to every connection.
type connPragmas struct {
	maxPageCount int64
	wal          bool
}

func (p connPragmas) list() []string {
	list := []string{
		"busy_timeout(5000)",
		"synchronous(FULL)",
		"foreign_keys(1)",
	}
	if p.wal {
		list = append(list, "journal_mode(WAL)")
	}
	if p.maxPageCount > 0 {
		list = append(list, "max_page_count("+strconv.FormatInt(p.maxPageCount, 10)+")")
	}
	return list
}

// statements renders the pragmas for drivers that only accept them via Exec.
func (p connPragmas) statements() []string {
	var stmts []string
	for _, pragma := range p.list() {
		name, value, _ := cutParen(pragma)
		stmts = append(stmts, fmt.Sprintf("PRAGMA %s=%s", name, value))
	}
	return stmts
}

func cutParen(s string) (name, value string, ok bool) {
	name, rest, ok := strings.Cut(s, "(")
	return name, strings.TrimSuffix(rest, ")"), ok
}

// driverSpec describes how to reach one database/sql driver.
type driverSpec struct {
	name      string
	fileDSN   func(path string, p connPragmas) string
	memoryDSN func(name string, p connPragmas) string
	// execPragmas is set for drivers that ignore DSN pragmas; the pool is
	// then pinned to a single connection so the pragmas stick.
	execPragmas bool
}

var drivers = map[string]driverSpec{
	DefaultDriver: {
		name: "sqlite3",
		fileDSN: func(path string, p connPragmas) string {
			q := url.Values{}
			for _, pragma := range p.list() {
				q.Add("_pragma", pragma)
			}
			q.Set("_txlock", "immediate")
			return "file:" + filepath.ToSlash(path) + "?" + q.Encode()
		},
		memoryDSN: func(name string, p connPragmas) string {
			p.wal = false
			q := url.Values{}
			q.Set("vfs", "memdb")
			for _, pragma := range p.list() {
				q.Add("_pragma", pragma)
			}
			return "file:/" + name + ".db?" + q.Encode()
		},
	},
}

func lookupDriver(name string) (driverSpec, error) {
	if name == "" {
		name = DefaultDriver
	}
	spec, ok := drivers[name]
	if !ok {
		return driverSpec{}, fmt.Errorf("unsupported store driver %q", name)
	}
	return spec, nil
}
