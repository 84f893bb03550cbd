//go:build !purego

package db

import _ "github.com/mattn/go-sqlite3"

const driverName = "sqlite3"

// pragmas must ride on the DSN so every pooled connection gets them
func sqliteDSN(path string) string {
	return "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL"
}
