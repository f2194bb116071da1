package db

import (
	"testing"
	"testing/fstest"
)

func TestLoadMigrationsSortedByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"003_indexes.sql": {Data: []byte("CREATE INDEX c ON resource (id);")},
		"001_core.sql":    {Data: []byte("CREATE TABLE resource (id VARCHAR(64));")},
		"002_history.sql": {Data: []byte("CREATE TABLE resource_history (id VARCHAR(64));")},
	}

	migrations, err := NewMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("migrations = %d, want 3", len(migrations))
	}
	for i, want := range []int{1, 2, 3} {
		if migrations[i].Version != want {
			t.Fatalf("order = %+v", migrations)
		}
	}
	if migrations[0].Name != "001_core.sql" {
		t.Fatalf("name = %q", migrations[0].Name)
	}
	if migrations[0].SQL == "" {
		t.Fatal("empty SQL")
	}
}

func TestLoadMigrationsSkipsNonNumericAndNonSQL(t *testing.T) {
	fsys := fstest.MapFS{
		"001_core.sql": {Data: []byte("CREATE TABLE resource (id VARCHAR(64));")},
		"README.md":    {Data: []byte("notes")},
		"setup.sql":    {Data: []byte("-- no version prefix")},
		"abc_x.sql":    {Data: []byte("-- bad prefix")},
	}

	migrations, err := NewMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(migrations) != 1 || migrations[0].Version != 1 {
		t.Fatalf("migrations = %+v", migrations)
	}
}
