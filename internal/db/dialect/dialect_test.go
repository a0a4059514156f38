package dialect

import "testing"

func TestIsPostgres(t *testing.T) {
	if !IsPostgres(PGX) {
		t.Error("expected pgx to be postgres")
	}
	if IsPostgres(SQLite3) {
		t.Error("expected sqlite3 to not be postgres")
	}
}

func TestBoolToInt(t *testing.T) {
	if BoolToInt(true) != 1 {
		t.Error("expected 1 for true")
	}
	if BoolToInt(false) != 0 {
		t.Error("expected 0 for false")
	}
}

func TestJSONExtract(t *testing.T) {
	got := JSONExtract(SQLite3, "payload_json", "next_agent")
	if got != "json_extract(payload_json, '$.next_agent')" {
		t.Errorf("sqlite: got %q", got)
	}
	got = JSONExtract(PGX, "payload_json", "next_agent")
	if got != "payload_json::jsonb->>'next_agent'" {
		t.Errorf("pgx: got %q", got)
	}
}

func TestNow(t *testing.T) {
	if Now(SQLite3) != "datetime('now')" {
		t.Errorf("sqlite: got %q", Now(SQLite3))
	}
	if Now(PGX) != "NOW()" {
		t.Errorf("pgx: got %q", Now(PGX))
	}
}

func TestAutoIncrementPK(t *testing.T) {
	if AutoIncrementPK(SQLite3) != "INTEGER PRIMARY KEY AUTOINCREMENT" {
		t.Errorf("sqlite: got %q", AutoIncrementPK(SQLite3))
	}
	if AutoIncrementPK(PGX) != "BIGSERIAL PRIMARY KEY" {
		t.Errorf("pgx: got %q", AutoIncrementPK(PGX))
	}
}
