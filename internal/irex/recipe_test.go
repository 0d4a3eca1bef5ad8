package irex

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadRecipeVersion(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantVer  string
		wantRev  string
		wantErr  bool
		skipFile bool
	}{
		{name: "version and revision", data: "1.2.3 2\n", wantVer: "1.2.3", wantRev: "2"},
		{name: "version only defaults revision", data: "1.2.3\n", wantVer: "1.2.3", wantRev: "1"},
		{name: "extra whitespace", data: "  4.5   7  \n", wantVer: "4.5", wantRev: "7"},
		{name: "empty file", data: "\n", wantErr: true},
		{name: "missing file", skipFile: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if !tt.skipFile {
				if err := os.WriteFile(filepath.Join(dir, "version"), []byte(tt.data), 0o644); err != nil {
					t.Fatal(err)
				}
			}
			ver, rev, err := readRecipeVersion(dir)
			if (err != nil) != tt.wantErr {
				t.Fatalf("readRecipeVersion() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if ver != tt.wantVer || rev != tt.wantRev {
				t.Errorf("readRecipeVersion() = (%q, %q), want (%q, %q)", ver, rev, tt.wantVer, tt.wantRev)
			}
		})
	}
}

func TestParseDependsData(t *testing.T) {
	content := []byte(`# build deps
autoconf make
openssl
irods configure

zlib make configure
`)
	deps, err := parseDependsData(content)
	if err != nil {
		t.Fatalf("parseDependsData() error = %v", err)
	}

	want := []DepSpec{
		{Name: "autoconf", Make: true},
		{Name: "openssl"},
		{Name: "irods", Configure: true},
		{Name: "zlib", Make: true, Configure: true},
	}
	if len(deps) != len(want) {
		t.Fatalf("got %d deps, want %d", len(deps), len(want))
	}
	for i, d := range deps {
		if d != want[i] {
			t.Errorf("dep[%d] = %+v, want %+v", i, d, want[i])
		}
	}
}

func TestRuntimeDeps(t *testing.T) {
	deps := []DepSpec{
		{Name: "autoconf", Make: true},
		{Name: "openssl"},
		{Name: "irods", Configure: true},
	}
	got := runtimeDeps(deps)
	if len(got) != 2 || got[0] != "openssl" || got[1] != "irods" {
		t.Errorf("runtimeDeps() = %v, want [openssl irods]", got)
	}
}

func TestLoadBuildOptions(t *testing.T) {
	dir := t.TempDir()
	data := "nostrip noautoreconf\n# comment\n\nnodebug\n"
	if err := os.WriteFile(filepath.Join(dir, "options"), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	options := loadBuildOptions(dir)
	for _, opt := range []string{"nostrip", "noautoreconf", "nodebug"} {
		if !options[opt] {
			t.Errorf("option %q not set", opt)
		}
	}
	if options["comment"] {
		t.Error("comment line parsed as option")
	}

	// Missing options file yields an empty map, not an error.
	empty := loadBuildOptions(t.TempDir())
	if len(empty) != 0 {
		t.Errorf("expected empty options for missing file, got %v", empty)
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.2.3", "1.2.3", 0},
		{"1.2.3", "1.2.4", -1},
		{"1.10", "1.9", 1},
		{"2.0", "1.99.99", 1},
		{"1.2", "1.2.0", 0},
		{"1.2.3a", "1.2.3b", -1},
	}
	for _, tt := range tests {
		if got := compareVersions(tt.a, tt.b); got != tt.want {
			t.Errorf("compareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestCreateRecipeSkeleton(t *testing.T) {
	dir := t.TempDir()

	if err := createRecipeSkeleton("tears", dir); err != nil {
		t.Fatalf("createRecipeSkeleton() error = %v", err)
	}

	pkgDir := filepath.Join(dir, "tears")
	info, err := os.Stat(filepath.Join(pkgDir, "build"))
	if err != nil {
		t.Fatalf("build script missing: %v", err)
	}
	if info.Mode()&0o111 == 0 {
		t.Error("build script is not executable")
	}
	if _, err := os.Stat(filepath.Join(pkgDir, "version")); err != nil {
		t.Errorf("version file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(pkgDir, "sources")); err != nil {
		t.Errorf("sources file missing: %v", err)
	}

	// A second call must refuse to overwrite.
	if err := createRecipeSkeleton("tears", dir); err == nil {
		t.Error("expected error creating recipe over an existing one")
	}
}

func TestFindRecipeDir(t *testing.T) {
	repo1 := t.TempDir()
	repo2 := t.TempDir()
	if err := os.MkdirAll(filepath.Join(repo2, "tears"), 0o755); err != nil {
		t.Fatal(err)
	}

	oldRepoPaths := repoPaths
	repoPaths = repo1 + ":" + repo2
	defer func() { repoPaths = oldRepoPaths }()

	dir, err := findRecipeDir("tears")
	if err != nil {
		t.Fatalf("findRecipeDir() error = %v", err)
	}
	if dir != filepath.Join(repo2, "tears") {
		t.Errorf("findRecipeDir() = %q, want %q", dir, filepath.Join(repo2, "tears"))
	}

	if _, err := findRecipeDir("missing"); err == nil {
		t.Error("expected error for missing recipe")
	}
}
