package scheduler

import (
	"encoding/json"
	"testing"
)

func TestAlertPayloadJSONShape(t *testing.T) {
	payload := alertPayload{Event: string(AlertBufferGrowth), Schema: "public", Name: "orders_summary", Detail: "source_relid=42", RowCount: 1500}

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded["event"] != "buffer_growth" {
		t.Fatalf("event = %v, want buffer_growth", decoded["event"])
	}
	if decoded["pgs_schema"] != "public" || decoded["pgs_name"] != "orders_summary" {
		t.Fatalf("unexpected schema/name in payload: %v", decoded)
	}
	if decoded["row_count"].(float64) != 1500 {
		t.Fatalf("row_count = %v, want 1500", decoded["row_count"])
	}
}

func TestAlertPayloadOmitsEmptyOptionalFields(t *testing.T) {
	payload := alertPayload{Event: string(AlertRefreshCompleted), Schema: "public", Name: "orders_summary"}

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if _, ok := decoded["detail"]; ok {
		t.Fatal("expected empty detail to be omitted")
	}
	if _, ok := decoded["row_count"]; ok {
		t.Fatal("expected zero row_count to be omitted")
	}
}
