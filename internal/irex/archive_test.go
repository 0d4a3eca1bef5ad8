package irex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
)

func writeZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	zipPath := filepath.Join(t.TempDir(), "src.zip")
	f, err := os.Create(zipPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, body := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return zipPath
}

func TestUnzipGo(t *testing.T) {
	zipPath := writeZip(t, map[string]string{
		"tears-1.2.3/configure.ac": "AC_INIT([tears], [1.2.3])\n",
		"tears-1.2.3/src/main.c":   "int main(void) { return 0; }\n",
	})

	dest := t.TempDir()
	if err := unzipGo(zipPath, dest); err != nil {
		t.Fatalf("unzipGo() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dest, "tears-1.2.3", "src", "main.c"))
	if err != nil {
		t.Fatalf("extracted file missing: %v", err)
	}
	if string(data) != "int main(void) { return 0; }\n" {
		t.Errorf("extracted content = %q", data)
	}
}

func TestUnzipGoRejectsZipSlip(t *testing.T) {
	zipPath := writeZip(t, map[string]string{
		"../escape.txt": "outside\n",
	})

	dest := t.TempDir()
	if err := unzipGo(zipPath, dest); err == nil {
		t.Fatal("expected error for archive entry escaping the destination")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dest), "escape.txt")); err == nil {
		t.Error("escaped file was written outside the destination")
	}
}
