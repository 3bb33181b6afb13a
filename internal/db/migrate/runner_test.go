package migrate

import (
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/onnwee/auditchain/migrations"
)

func TestRun_Validation(t *testing.T) {
	tests := []struct {
		name      string
		dsn       string
		direction string
		wantErr   error
	}{
		{"missing dsn", "", Up, ErrMissingDSN},
		{"bad direction", "postgres://localhost/audit", "sideways", ErrInvalidDirection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Run(tt.dsn, tt.direction); !errors.Is(err, tt.wantErr) {
				t.Errorf("Run() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVersion_MissingDSN(t *testing.T) {
	if _, _, err := Version(""); !errors.Is(err, ErrMissingDSN) {
		t.Errorf("Version() error = %v, want ErrMissingDSN", err)
	}
}

// Every up migration needs a matching down so Run(dsn, Down) can unwind it.
func TestMigrations_Paired(t *testing.T) {
	files, err := fs.Glob(migrations.PostgresFS, migrations.PostgresDir+"/*.sql")
	if err != nil {
		t.Fatalf("Glob() error = %v", err)
	}
	if len(files) == 0 {
		t.Fatal("no migrations embedded")
	}

	ups := make(map[string]bool)
	downs := make(map[string]bool)
	for _, f := range files {
		switch {
		case strings.HasSuffix(f, ".up.sql"):
			ups[strings.TrimSuffix(f, ".up.sql")] = true
		case strings.HasSuffix(f, ".down.sql"):
			downs[strings.TrimSuffix(f, ".down.sql")] = true
		default:
			t.Errorf("unexpected migration file %s", f)
		}
	}
	for base := range ups {
		if !downs[base] {
			t.Errorf("%s has no down migration", base)
		}
	}
	for base := range downs {
		if !ups[base] {
			t.Errorf("%s has no up migration", base)
		}
	}
}
