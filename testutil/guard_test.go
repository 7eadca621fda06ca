package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestModuleImport(t *testing.T) {
	cases := map[string]bool{
		"register":                 true,
		"register/pkg/domain":      true,
		"registerx/pkg":            false,
		"github.com/google/uuid":   false,
		"example.com/register/pkg": false,
	}
	for in, want := range cases {
		if got := ModuleImport(in); got != want {
			t.Fatalf("ModuleImport(%q)=%v want %v", in, got, want)
		}
	}
}

func TestThirdPartyImport(t *testing.T) {
	forbidden := ThirdPartyImport("github.com/google/uuid")
	cases := map[string]bool{
		"context":                             false,
		"encoding/json":                       false,
		"github.com/google/uuid":              false,
		"github.com/jackc/pgx/v5":             true,
		"go.mongodb.org/mongo-driver/v2/bson": true,
	}
	for in, want := range cases {
		if got := forbidden(in); got != want {
			t.Fatalf("ThirdPartyImport(%q)=%v want %v", in, got, want)
		}
	}
}

func TestUnder(t *testing.T) {
	if !Under("register/internal/blob", "register/internal/blob") || !Under("register/internal/blob/core", "register/internal/blob") {
		t.Fatal("expected prefix and subpackage to match")
	}
	if Under("register/internal/blobby", "register/internal/blob") {
		t.Fatal("sibling with shared prefix must not match")
	}
}

type recordingFatal struct{ msg string }

func (r *recordingFatal) Fatalf(format string, args ...any) { r.msg = fmt.Sprintf(format, args...) }

func TestDirectImportViolations(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"a.go":      "package tmp\nimport (\n\t\"fmt\"\n\t\"register/internal/core\"\n)\nvar _ = fmt.Sprint\nvar _ core.Code\n",
		"b.go":      "package tmp\nimport \"os\"\nvar _ = os.Args\n",
		"a_test.go": "package tmp\nimport \"register/internal/config\"\n",
	}
	for name, src := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	viols, err := directImportViolations(dir, ModuleImport)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || viols[0] != "register/internal/core (in a.go)" {
		t.Fatalf("unexpected violations: %v", viols)
	}

	var rec recordingFatal
	failIfViolations(&rec, "forbidden direct imports", "domain stays pure", viols)
	if rec.msg == "" {
		t.Fatal("expected a failure message")
	}
	rec = recordingFatal{}
	failIfViolations(&rec, "forbidden direct imports", "none", nil)
	if rec.msg != "" {
		t.Fatalf("unexpected failure: %s", rec.msg)
	}
}
