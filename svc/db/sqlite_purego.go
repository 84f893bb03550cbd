//go:build purego

package db

import _ "modernc.org/sqlite"

const driverName = "sqlite"

func sqliteDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
}
