package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectDriver(t *testing.T) {
	cases := map[string]Driver{
		"":                                      DriverSQLite,
		"postgres://u:p@localhost:5432/tminus":  DriverPostgres,
		"postgresql://u:p@localhost/tminus":     DriverPostgres,
		"sqlite:///var/lib/tminus/tminus.db":    DriverSQLite,
		"file:tminus.db":                        DriverSQLite,
		"/var/lib/tminus/tminus.db":             DriverSQLite,
		"tminus.sqlite":                         DriverSQLite,
		"tminus.sqlite3":                        DriverSQLite,
		"host=localhost dbname=tminus":          DriverPostgres,
	}

	for url, want := range cases {
		assert.Equal(t, want, DetectDriver(url), "url %q", url)
	}
}

func TestDriverIsValid(t *testing.T) {
	assert.True(t, DriverPostgres.IsValid())
	assert.True(t, DriverSQLite.IsValid())
	assert.False(t, Driver("oracle").IsValid())
	assert.False(t, Driver("").IsValid())
}
