// Package migrations embeds the schema files applied by the migrate command.
package migrations

import (
	"embed"
	"strings"
)

//go:embed *.sql clickhouse/*.sql
var FS embed.FS

const (
	MySQL      = "001_init.sql"
	ClickHouse = "clickhouse/001_user_events.sql"
)

// Statements splits a schema file into single statements so it runs without
// multiStatements on the DSN. Files must not put ';' inside literals.
func Statements(name string) ([]string, error) {
	raw, err := FS.ReadFile(name)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, s := range strings.Split(string(raw), ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}
