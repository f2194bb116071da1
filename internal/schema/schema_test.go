package schema

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuiltinSnapshotValidates(t *testing.T) {
	if err := BuiltinSnapshot().Validate(); err != nil {
		t.Fatalf("builtin catalog invalid: %v", err)
	}
}

func TestSnapshotValidateRejectsBadDefinitions(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*Snapshot)
	}{
		{"page limits out of order", func(s *Snapshot) { s.MaxPageSize = s.DefaultPageSize - 1 }},
		{"reference without targets", func(s *Snapshot) {
			s.Types["Observation"].Params["subject"].Targets = nil
		}},
		{"composite with one component", func(s *Snapshot) {
			p := s.Types["Observation"].Params["code-value-quantity"]
			p.Components = p.Components[:1]
		}},
		{"compartment param not a reference", func(s *Snapshot) {
			s.Types["Observation"].CompartmentParams = []string{"status"}
		}},
		{"transitive param not a reference", func(s *Snapshot) {
			s.Types["Observation"].TransitiveVia = "code"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := BuiltinSnapshot()
			tc.mod(s)
			if err := s.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestRegistrySwap(t *testing.T) {
	reg, err := NewRegistry(BuiltinSnapshot())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	old := reg.Current()

	next := BuiltinSnapshot()
	next.DefaultPageSize = 25
	if err := reg.Swap(next); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if reg.Current().DefaultPageSize != 25 {
		t.Fatal("swap did not install new snapshot")
	}
	// The old snapshot stays usable for operations that loaded it.
	if old.DefaultPageSize == 25 {
		t.Fatal("old snapshot mutated")
	}

	bad := BuiltinSnapshot()
	bad.MaxPageSize = 0
	if err := reg.Swap(bad); err == nil {
		t.Fatal("invalid snapshot accepted")
	}
}

func TestLoadFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.json")
	overlay := `{
		"defaultPageSize": 20,
		"types": [
			{
				"name": "CarePlan",
				"params": {
					"subject": {"name": "subject", "kind": "reference", "paths": ["subject"], "targets": ["Patient"], "hard": true},
					"status":  {"name": "status", "kind": "token", "paths": ["status"]}
				},
				"compartmentParams": ["subject"]
			}
		]
	}`
	if err := os.WriteFile(path, []byte(overlay), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	snap, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.DefaultPageSize != 20 {
		t.Fatalf("defaultPageSize = %d", snap.DefaultPageSize)
	}
	if snap.Type("CarePlan") == nil {
		t.Fatal("overlay type missing")
	}
	// Built-in types survive the overlay.
	if snap.Type("Patient") == nil {
		t.Fatal("builtin type lost")
	}

	if _, err := LoadFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
