package migrations

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	chstore "market-data-pipeline/internal/storage/clickhouse"
)

const clickhouseLedgerDDL = `CREATE TABLE IF NOT EXISTS schema_migrations (
    name        String,
    applied_at  DateTime64(3, 'UTC') DEFAULT now64(3)
) ENGINE = ReplacingMergeTree(applied_at)
ORDER BY name`

// RunClickhouseMigrations creates the DSN's database when missing, applies
// pending migrations and returns a connection to that database.
func RunClickhouseMigrations(ctx context.Context, dsn string) (*chstore.Conn, error) {
	target, err := databaseFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if err := ensureClickhouseDatabase(ctx, dsn, target); err != nil {
		return nil, err
	}

	conn, err := chstore.NewConnWithDatabase(ctx, dsn, target)
	if err != nil {
		return nil, err
	}
	if err := ApplyClickhouse(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func ensureClickhouseDatabase(ctx context.Context, dsn, name string) error {
	admin, err := chstore.NewConnWithDatabase(ctx, dsn, "default")
	if err != nil {
		return err
	}
	defer admin.Close()

	if err := admin.Exec(ctx, "CREATE DATABASE IF NOT EXISTS `"+name+"`"); err != nil {
		return fmt.Errorf("create database %s: %w", name, err)
	}
	return nil
}

// ApplyClickhouse applies embedded ClickHouse migrations not yet recorded in
// schema_migrations. Each file is split into single statements because the
// native protocol rejects batches.
func ApplyClickhouse(ctx context.Context, conn *chstore.Conn) error {
	files, err := load(ClickhouseFS, "clickhouse")
	if err != nil {
		return err
	}
	if err := conn.Exec(ctx, clickhouseLedgerDDL); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	applied, err := clickhouseApplied(ctx, conn)
	if err != nil {
		return err
	}

	for _, m := range pending(files, applied) {
		if err := validateNoSemicolonInStrings(m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		for i, stmt := range SplitStatements(m.sql) {
			if err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migration %s statement %d: %w", m.name, i+1, err)
			}
		}
		if err := conn.Exec(ctx, "INSERT INTO schema_migrations (name) VALUES (?)", m.name); err != nil {
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
	}
	return nil
}

func clickhouseApplied(ctx context.Context, conn *chstore.Conn) (map[string]bool, error) {
	rows, err := conn.Query(ctx, "SELECT DISTINCT name FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// SplitStatements breaks a script into statements on ';', ignoring blank
// lines and full-line "--" comments. Semicolons inside literals or block
// comments are not supported.
func SplitStatements(script string) []string {
	var b strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if t := strings.TrimSpace(line); t == "" || strings.HasPrefix(t, "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	var out []string
	for _, part := range strings.Split(b.String(), ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// validateNoSemicolonInStrings rejects a ';' inside a single-quoted literal,
// which SplitStatements would cut in half. Doubled quotes are escapes.
func validateNoSemicolonInStrings(script string) error {
	quoted := false
	for i := 0; i < len(script); i++ {
		c := script[i]
		if c == '\'' {
			if quoted && i+1 < len(script) && script[i+1] == '\'' {
				i++
				continue
			}
			quoted = !quoted
			continue
		}
		if c == ';' && quoted {
			return fmt.Errorf("semicolon inside string literal at offset %d", i)
		}
	}
	return nil
}

func databaseFromDSN(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	if name := strings.Trim(u.Path, "/"); name != "" {
		return name, nil
	}
	return "", fmt.Errorf("clickhouse dsn %q names no database", u.Redacted())
}
