package irex

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeRecipe creates a minimal recipe dir with version and depends files.
func writeRecipe(t *testing.T, repo, name, depends string) {
	t.Helper()
	pkgDir := filepath.Join(repo, name)
	if err := os.MkdirAll(pkgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pkgDir, "version"), []byte("1.0 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if depends != "" {
		if err := os.WriteFile(filepath.Join(pkgDir, "depends"), []byte(depends), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func setupRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()

	oldRepoPaths, oldInstalled := repoPaths, Installed
	repoPaths = repo
	Installed = filepath.Join(t.TempDir(), "installed")
	t.Cleanup(func() {
		repoPaths, Installed = oldRepoPaths, oldInstalled
	})
	return repo
}

func markInstalled(t *testing.T, name string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(Installed, name), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestResolveBuildOrder(t *testing.T) {
	repo := setupRepo(t)

	writeRecipe(t, repo, "tears", "avro configure\nzeromq configure\n")
	writeRecipe(t, repo, "avro", "cmake make\n")
	writeRecipe(t, repo, "zeromq", "")
	writeRecipe(t, repo, "cmake", "")

	order, err := resolveBuildOrder([]string{"tears"}, map[string]bool{"tears": true}, false)
	if err != nil {
		t.Fatalf("resolveBuildOrder() error = %v", err)
	}

	want := []string{"cmake", "avro", "zeromq", "tears"}
	if strings.Join(order, " ") != strings.Join(want, " ") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestResolveBuildOrderSkipsInstalled(t *testing.T) {
	repo := setupRepo(t)

	writeRecipe(t, repo, "tears", "avro configure\n")
	writeRecipe(t, repo, "avro", "")
	markInstalled(t, "avro")

	order, err := resolveBuildOrder([]string{"tears"}, map[string]bool{"tears": true}, false)
	if err != nil {
		t.Fatalf("resolveBuildOrder() error = %v", err)
	}
	if strings.Join(order, " ") != "tears" {
		t.Errorf("order = %v, want [tears]", order)
	}

	// With force the installed dependency is rebuilt too.
	order, err = resolveBuildOrder([]string{"tears"}, map[string]bool{"tears": true}, true)
	if err != nil {
		t.Fatalf("resolveBuildOrder() error = %v", err)
	}
	if strings.Join(order, " ") != "avro tears" {
		t.Errorf("forced order = %v, want [avro tears]", order)
	}
}

func TestResolveBuildOrderDetectsCycle(t *testing.T) {
	repo := setupRepo(t)

	writeRecipe(t, repo, "a", "b\n")
	writeRecipe(t, repo, "b", "a\n")

	_, err := resolveBuildOrder([]string{"a"}, map[string]bool{"a": true}, false)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !strings.Contains(err.Error(), "dependency cycle detected") {
		t.Errorf("error = %v, want cycle message", err)
	}
}

func TestResolveBuildOrderIgnoresSelfDep(t *testing.T) {
	repo := setupRepo(t)

	writeRecipe(t, repo, "a", "a\n")

	order, err := resolveBuildOrder([]string{"a"}, map[string]bool{"a": true}, false)
	if err != nil {
		t.Fatalf("resolveBuildOrder() error = %v", err)
	}
	if strings.Join(order, " ") != "a" {
		t.Errorf("order = %v, want [a]", order)
	}
}

func TestResolveBuildOrderMissingRecipe(t *testing.T) {
	repo := setupRepo(t)
	writeRecipe(t, repo, "a", "ghost\n")

	_, err := resolveBuildOrder([]string{"a"}, map[string]bool{"a": true}, false)
	if err == nil {
		t.Fatal("expected error for missing dependency recipe")
	}
}

func TestConfigureDeps(t *testing.T) {
	repo := setupRepo(t)
	writeRecipe(t, repo, "tears", "irods configure\nautoconf make\nzlib\nboost configure\n")

	names, err := configureDeps(filepath.Join(repo, "tears"))
	if err != nil {
		t.Fatalf("configureDeps() error = %v", err)
	}
	if strings.Join(names, " ") != "irods boost" {
		t.Errorf("configureDeps() = %v, want [irods boost]", names)
	}
}
