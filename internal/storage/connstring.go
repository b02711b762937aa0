package storage

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// SQLiteConnString builds a connection string for the ncruces/go-sqlite3
// driver with the pragmas the embedded-DB backend requires: WAL journal
// mode, a busy timeout (avoids "database is locked" under concurrent
// access), and foreign key enforcement. Honors the KGENTS_LOCK_TIMEOUT env
// var for the busy timeout (default 30s). If readOnly is true, the
// connection opens read-only.
func SQLiteConnString(path string, readOnly bool) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}

	busy := 30 * time.Second
	if v := strings.TrimSpace(os.Getenv("KGENTS_LOCK_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			busy = d
		}
	}
	busyMs := int64(busy / time.Millisecond)

	mode := ""
	if readOnly {
		mode = "&mode=ro"
	}

	return fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)%s",
		path, busyMs, mode,
	)
}
