package ring

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "members.yaml")
	content := `replication: 3
members:
  - id: 1
    addr: "127.0.0.1:9631"
    datacenter: east
  - id: 2
    addr: "127.0.0.1:9632"
  - id: 3
    addr: "127.0.0.1:9633"
target_members:
  - id: 2
    addr: "127.0.0.1:9632"
  - id: 3
    addr: "127.0.0.1:9633"
  - id: 4
    addr: "127.0.0.1:9634"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	snap, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Replication != 3 || len(snap.Members) != 3 || len(snap.TargetMembers) != 3 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Members[0].Datacenter != "east" || snap.Members[1].Datacenter != "" {
		t.Fatalf("datacenter fields mangled: %+v", snap.Members)
	}
}

func TestLoadFileRejectsUnknownFieldsAndInvalidSnapshots(t *testing.T) {
	dir := t.TempDir()

	unknown := filepath.Join(dir, "unknown.yaml")
	if err := os.WriteFile(unknown, []byte("replication: 1\nmembers:\n  - id: 1\nbogus: true\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFile(unknown); err == nil {
		t.Fatal("unknown fields must be rejected")
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("replication: 0\nmembers:\n  - id: 1\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFile(invalid); err == nil {
		t.Fatal("invalid snapshots must be rejected")
	}
}
