package migrations

import (
	"strings"
	"testing"
)

func TestSchemaMigrationContainsLogAndCheckpointTables(t *testing.T) {
	body, err := embeddedFS.ReadFile("sql/000001_ledgerline.up.sql")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	sql := string(body)
	requiredSnippets := []string{
		"CREATE TABLE event_log_head",
		"CREATE TABLE event_log",
		"CREATE TABLE stream_processor_state",
		"PRIMARY KEY (tenant_id, scope_id, sequence_number)",
		"PRIMARY KEY (tenant_id, scope_id, processor_id, source_stream)",
		"CREATE INDEX idx_event_log_scope_type_sequence",
		"failing_partitions JSONB",
	}
	for _, snippet := range requiredSnippets {
		if !strings.Contains(sql, snippet) {
			t.Fatalf("migration missing required snippet: %s", snippet)
		}
	}
}

func TestSchemaDownMigrationDropsEveryTable(t *testing.T) {
	body, err := embeddedFS.ReadFile("sql/000001_ledgerline.down.sql")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	for _, table := range []string{"stream_processor_state", "event_log", "event_log_head"} {
		if !strings.Contains(string(body), "DROP TABLE IF EXISTS "+table+";") {
			t.Fatalf("down migration does not drop %s", table)
		}
	}
}

func TestEmbeddedMigrationsLoad(t *testing.T) {
	items, err := loadScripts(embeddedFS)
	if err != nil {
		t.Fatalf("loadScripts() error = %v", err)
	}
	if len(items) == 0 || items[0].version != 1 || items[0].name != "ledgerline" {
		t.Fatalf("unexpected embedded migrations: %+v", items)
	}
}
