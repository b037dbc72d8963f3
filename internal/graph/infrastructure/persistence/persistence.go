// Package persistence implements the graph domain repositories on the
// shared database abstraction. The same SQL runs on SQLite and PostgreSQL;
// queries are written with `?` placeholders and rebound per driver.
//
// Storage conventions: event instants are epoch milliseconds UTC in INTEGER
// columns, audit timestamps are RFC3339 TEXT, and string slices are JSON
// arrays.
package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tminus-app/tminus/internal/shared/infrastructure/database"
)

func nowUTC() time.Time {
	return time.Now().UTC()
}

func toMs(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMs(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func toRFC3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fromRFC3339(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func toNullableRFC3339(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toRFC3339(*t)
}

func fromNullableRFC3339(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := fromRFC3339(*s)
	return &t
}

func toNullableMs(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMs(*t)
}

func fromNullableMs(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := fromMs(*ms)
	return &t
}

func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

func decodeStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil
	}
	return values
}

// rebinder caches the connection so every repository query goes through one
// placeholder conversion and picks up context transactions.
type rebinder struct {
	conn database.Connection
}

func (r rebinder) q(query string) string {
	return database.Rebind(r.conn.Driver(), query)
}

func (r rebinder) exec(ctx context.Context) database.Executor {
	return database.ExecutorFromContext(ctx, r.conn)
}
