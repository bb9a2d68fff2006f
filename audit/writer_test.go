package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriterAppendsTaggedRecords(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(Config{Dir: dir})
	defer w.Close()

	w.Record("QUOTE_PUBLISHED", map[string]interface{}{"quote_id": "q1", "btc_size": 0.01})
	w.Record("HEDGE_EXECUTED", map[string]interface{}{"nonce": "n1"})
	w.Trade(map[string]interface{}{"side": "SHORT"})
	w.Position(map[string]interface{}{"net_delta_btc": 0.001})

	records := readJSONL(t, filepath.Join(dir, "quote_trace.jsonl"))
	if len(records) != 2 {
		t.Fatalf("trace records: %d", len(records))
	}
	if records[0]["type"] != "QUOTE_PUBLISHED" || records[1]["type"] != "HEDGE_EXECUTED" {
		t.Fatalf("type tags: %v %v", records[0]["type"], records[1]["type"])
	}
	for _, rec := range records {
		ts, ok := rec["timestamp"].(string)
		if !ok {
			t.Fatalf("timestamp missing: %v", rec)
		}
		if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
			t.Fatalf("timestamp not ISO-8601: %v", err)
		}
		if rec["record_id"] == "" {
			t.Fatalf("record id missing")
		}
	}

	trades := readJSONL(t, filepath.Join(dir, "trades.jsonl"))
	if len(trades) != 1 || trades[0]["type"] != "TRADE" {
		t.Fatalf("trade stream: %+v", trades)
	}
	positions := readJSONL(t, filepath.Join(dir, "positions.jsonl"))
	if len(positions) != 1 || positions[0]["net_delta_btc"] != 0.001 {
		t.Fatalf("position stream: %+v", positions)
	}
}

func readJSONL(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var out []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line not json: %v", err)
		}
		out = append(out, rec)
	}
	return out
}
