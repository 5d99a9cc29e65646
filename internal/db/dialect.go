package db

import (
	"fmt"
	"strings"
)

// dialect captures the DDL differences between the supported engines.
// Both accept ? placeholders, ON CONFLICT upserts and RETURNING.
type dialect struct {
	name         string
	driver       string
	timestamp    string
	foreignKeys  bool
	sequences    bool
	singleWriter bool
	pragmas      []string
}

var (
	sqliteDialect = dialect{
		name:         "sqlite",
		driver:       "sqlite",
		timestamp:    "DATETIME",
		foreignKeys:  true,
		singleWriter: true,
	}

	// DuckDB has no ON DELETE CASCADE and checks foreign keys eagerly inside a
	// transaction, so references are omitted and cascades are done explicitly.
	duckdbDialect = dialect{
		name:      "duckdb",
		driver:    "duckdb",
		timestamp: "TIMESTAMPTZ",
		sequences: true,
	}
)

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return sqliteDialect, nil
	case "duckdb":
		return duckdbDialect, nil
	}
	return dialect{}, fmt.Errorf("unsupported store driver %q", driver)
}

func (d dialect) dsn(path string) string {
	if d.name == "sqlite" {
		return path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_time_format=sqlite"
	}
	return path
}

// id renders the auto-increment primary key column for table
func (d dialect) id(table string) string {
	if d.sequences {
		return fmt.Sprintf("id BIGINT PRIMARY KEY DEFAULT nextval('seq_%s')", table)
	}
	return "id INTEGER PRIMARY KEY AUTOINCREMENT"
}

// ref renders a foreign key reference, empty where the engine cannot cascade
func (d dialect) ref(target string, cascade bool) string {
	if !d.foreignKeys {
		return ""
	}
	if cascade {
		return fmt.Sprintf(" REFERENCES %s(id) ON DELETE CASCADE", target)
	}
	return fmt.Sprintf(" REFERENCES %s(id)", target)
}

var memoryTables = []string{
	"users", "chats", "core_memory", "episodic_memory", "semantic_memory",
	"resource_memory", "procedural_memory", "knowledge_vault",
}

// migrations returns the ordered schema migrations for the dialect
func migrations(d dialect) [][]string {
	ts := d.timestamp

	var tables []string
	if d.sequences {
		for _, t := range memoryTables {
			tables = append(tables, fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS seq_%s START 1", t))
		}
	}

	tables = append(tables,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS users (
			%s,
			username TEXT NOT NULL UNIQUE,
			credential_hash TEXT NOT NULL,
			oauth_tokens TEXT,
			created_at %s DEFAULT CURRENT_TIMESTAMP
		)`, d.id("users"), ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chats (
			%s,
			user_id BIGINT NOT NULL%s,
			title TEXT NOT NULL,
			created_at %s DEFAULT CURRENT_TIMESTAMP
		)`, d.id("chats"), d.ref("users", false), ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS core_memory (
			%s,
			user_id BIGINT NOT NULL%s,
			segment TEXT NOT NULL CHECK (segment IN ('persona', 'human')),
			entry_key TEXT NOT NULL,
			entry_value TEXT NOT NULL,
			updated_at %s DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (user_id, segment, entry_key)
		)`, d.id("core_memory"), d.ref("users", false), ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS episodic_memory (
			%s,
			user_id BIGINT NOT NULL%s,
			chat_id BIGINT NOT NULL%s,
			role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
			content TEXT NOT NULL,
			payload TEXT,
			created_at %s DEFAULT CURRENT_TIMESTAMP
		)`, d.id("episodic_memory"), d.ref("users", false), d.ref("chats", true), ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS semantic_memory (
			%s,
			user_id BIGINT NOT NULL%s,
			entity_type TEXT NOT NULL,
			summary TEXT NOT NULL,
			details TEXT,
			source TEXT,
			updated_at %s DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (user_id, entity_type, summary)
		)`, d.id("semantic_memory"), d.ref("users", false), ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS resource_memory (
			%s,
			user_id BIGINT NOT NULL%s,
			chat_id BIGINT%s,
			title TEXT NOT NULL,
			summary TEXT,
			resource_type TEXT NOT NULL CHECK (resource_type IN ('image', 'video', 'url', 'file')),
			location TEXT NOT NULL,
			created_at %s DEFAULT CURRENT_TIMESTAMP
		)`, d.id("resource_memory"), d.ref("users", false), d.ref("chats", true), ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS procedural_memory (
			%s,
			user_id BIGINT NOT NULL%s,
			name TEXT NOT NULL,
			steps TEXT NOT NULL,
			updated_at %s DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (user_id, name)
		)`, d.id("procedural_memory"), d.ref("users", false), ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS knowledge_vault (
			%s,
			user_id BIGINT NOT NULL%s,
			entry_key TEXT NOT NULL,
			sealed_value TEXT NOT NULL,
			sensitivity TEXT NOT NULL CHECK (sensitivity IN ('low', 'medium', 'high')),
			updated_at %s DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (user_id, entry_key)
		)`, d.id("knowledge_vault"), d.ref("users", false), ts),
	)

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_chats_user ON chats (user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_episodic_chat ON episodic_memory (chat_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_episodic_user ON episodic_memory (user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_resource_user ON resource_memory (user_id, chat_id)`,
		`CREATE INDEX IF NOT EXISTS idx_semantic_user ON semantic_memory (user_id, entity_type)`,
	}

	return [][]string{tables, indexes}
}
