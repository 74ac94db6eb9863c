package ddlhook

import (
	"encoding/json"
	"testing"
)

func TestEventUnmarshalsAltersColumns(t *testing.T) {
	var evt Event
	payload := `{"source_oid": 42, "command_tag": "ALTER TABLE", "alters_columns": true}`
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.SourceOID != 42 || !evt.AltersColumns {
		t.Fatalf("got %+v", evt)
	}
}

func TestEventDefaultsAltersColumnsFalse(t *testing.T) {
	var evt Event
	if err := json.Unmarshal([]byte(`{"source_oid": 7}`), &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.AltersColumns {
		t.Fatal("expected alters_columns to default to false")
	}
}
