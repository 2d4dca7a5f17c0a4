package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func newStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(filepath.Join(t.TempDir(), "checkpoint.json"))
}

func uint64Ptr(v uint64) *uint64 { return &v }

func TestLoadMissingFile(t *testing.T) {
	cp, err := newStore(t).Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cp.LastProcessedBlock != nil {
		t.Error("missing file should yield nil LastProcessedBlock")
	}
	if len(cp.PendingAgentIDs) != 0 {
		t.Error("missing file should yield empty pending set")
	}
}

func TestRoundTrip(t *testing.T) {
	store := newStore(t)

	tests := []Checkpoint{
		{LastProcessedBlock: uint64Ptr(12345), PendingAgentIDs: []string{"7", "3", "99"}},
		{LastProcessedBlock: nil, PendingAgentIDs: []string{}},
		{LastProcessedBlock: uint64Ptr(0), PendingAgentIDs: []string{"1"}},
	}

	for _, want := range tests {
		if err := store.Save(want); err != nil {
			t.Fatalf("Save: %v", err)
		}
		got, err := store.Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if !reflect.DeepEqual(got, Checkpoint{LastProcessedBlock: want.LastProcessedBlock, PendingAgentIDs: sanitizeIDs(want.PendingAgentIDs)}) {
			t.Errorf("round trip: got %+v, want %+v", got, want)
		}
	}
}

func TestWireFormat(t *testing.T) {
	store := newStore(t)
	if err := store.Save(Checkpoint{LastProcessedBlock: uint64Ptr(42), PendingAgentIDs: []string{"5"}}); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(store.path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(raw), "\n") {
		t.Error("file should end with a trailing newline")
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("file is not valid JSON: %v", err)
	}
	if decoded["lastProcessedBlock"].(float64) != 42 {
		t.Errorf("lastProcessedBlock = %v, want 42", decoded["lastProcessedBlock"])
	}
}

func TestNullLastProcessedBlockOnWire(t *testing.T) {
	store := newStore(t)
	if err := store.Save(Checkpoint{}); err != nil {
		t.Fatal(err)
	}
	raw, _ := os.ReadFile(store.path)
	if !strings.Contains(string(raw), `"lastProcessedBlock":null`) {
		t.Errorf("nil block should serialize as JSON null, got %s", raw)
	}
}

func TestLoadSanitizesPendingIDs(t *testing.T) {
	store := newStore(t)
	raw := `{"lastProcessedBlock": 10, "pendingAgentIds": ["5", "abc", "-3", "5", "", "12", "0x9", "12"]}` + "\n"
	if err := os.WriteFile(store.path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cp, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := []string{"5", "12"}
	if !reflect.DeepEqual(cp.PendingAgentIDs, want) {
		t.Errorf("sanitized IDs = %v, want %v", cp.PendingAgentIDs, want)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	store := newStore(t)
	if err := os.WriteFile(store.path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(); err == nil {
		t.Error("corrupt file should be an error, not silently reset")
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "checkpoint.json"))

	for i := 0; i < 5; i++ {
		if err := store.Save(Checkpoint{LastProcessedBlock: uint64Ptr(uint64(i))}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory should contain only the checkpoint, got %v", names)
	}
}
