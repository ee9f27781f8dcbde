package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

type fakeTable struct {
	headers []string
	rows    [][]string
}

func (t *fakeTable) Headers() []string { return t.headers }
func (t *fakeTable) Rows() [][]string  { return t.rows }

func TestTextFormatter_Plain(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(FormatText)
	if err := f.FormatTo(&buf, "hello"); err != nil {
		t.Fatalf("FormatTo failed: %v", err)
	}
	if buf.String() != "hello\n" {
		t.Errorf("output = %q, want %q", buf.String(), "hello\n")
	}
}

func TestTextFormatter_Tabular(t *testing.T) {
	var buf bytes.Buffer
	table := &fakeTable{
		headers: []string{"AGENT", "SPENT"},
		rows:    [][]string{{"agent-1", "3000000"}, {"a-2", "0"}},
	}
	f := NewFormatter(FormatText)
	if err := f.FormatTo(&buf, table); err != nil {
		t.Fatalf("FormatTo failed: %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3: %q", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[1], "agent-1  ") {
		t.Errorf("row not aligned: %q", lines[1])
	}
}

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(FormatJSON)
	if err := f.FormatTo(&buf, map[string]int{"count": 3}); err != nil {
		t.Fatalf("FormatTo failed: %v", err)
	}
	var decoded map[string]int
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["count"] != 3 {
		t.Errorf("count = %d, want 3", decoded["count"])
	}
}

func TestCSVFormatter(t *testing.T) {
	var buf bytes.Buffer
	table := &fakeTable{
		headers: []string{"kind", "agent_id"},
		rows:    [][]string{{"lease.granted", "agent-1"}},
	}
	f := NewFormatter(FormatCSV)
	if err := f.FormatTo(&buf, table); err != nil {
		t.Fatalf("FormatTo failed: %v", err)
	}
	want := "kind,agent_id\nlease.granted,agent-1\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}

func TestCSVFormatter_RequiresTabular(t *testing.T) {
	f := NewFormatter(FormatCSV)
	if err := f.FormatTo(&bytes.Buffer{}, "plain string"); err == nil {
		t.Fatal("expected error for non-tabular data")
	}
}

func TestNewFormatter_UnknownFallsBackToText(t *testing.T) {
	if _, ok := NewFormatter("yaml").(*TextFormatter); !ok {
		t.Error("unknown format should fall back to text")
	}
}
