package irex

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleManifest = `/opt/ext/
/opt/ext/bin/
/opt/ext/lib/
/opt/ext/lib/irods/
/opt/ext/lib/libtears.so 000000
/opt/ext/bin/tears-config  aabbccddeeff00112233445566778899
/opt/ext/lib/irods/plugin name with spaces.so  00112233445566778899aabbccddeeff
/opt/ext/var/db/irex/installed/tears/manifest  ffeeddccbbaa99887766554433221100
`

func writeManifest(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseManifest(t *testing.T) {
	entries, err := parseManifest(writeManifest(t, sampleManifest))
	if err != nil {
		t.Fatalf("parseManifest() error = %v", err)
	}

	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4 (directories must be skipped)", len(entries))
	}

	link, ok := entries["/opt/ext/lib/libtears.so"]
	if !ok {
		t.Fatal("symlink entry missing")
	}
	if link.Checksum != "000000" {
		t.Errorf("symlink checksum = %q, want sentinel 000000", link.Checksum)
	}

	spaced, ok := entries["/opt/ext/lib/irods/plugin name with spaces.so"]
	if !ok {
		t.Fatal("entry with spaces in path missing")
	}
	if spaced.Checksum != "00112233445566778899aabbccddeeff" {
		t.Errorf("spaced entry checksum = %q", spaced.Checksum)
	}
}

func TestParseManifestMissingFile(t *testing.T) {
	entries, err := parseManifest(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("missing manifest should parse as empty, got %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("got %d entries, want 0", len(entries))
	}
}

func TestParseManifestInvalidLine(t *testing.T) {
	if _, err := parseManifest(writeManifest(t, "/opt/ext/bin/broken\n")); err == nil {
		t.Fatal("expected error for a file line without a checksum")
	}
}

func TestParseManifestDirs(t *testing.T) {
	dirs, err := parseManifestDirs(writeManifest(t, sampleManifest))
	if err != nil {
		t.Fatalf("parseManifestDirs() error = %v", err)
	}

	want := []string{"/opt/ext/lib/irods/", "/opt/ext/lib/", "/opt/ext/bin/", "/opt/ext/"}
	if strings.Join(dirs, " ") != strings.Join(want, " ") {
		t.Errorf("dirs = %v, want deepest-first %v", dirs, want)
	}
}

func TestParseManifestDirsMissingFile(t *testing.T) {
	dirs, err := parseManifestDirs(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("parseManifestDirs() error = %v", err)
	}
	if dirs != nil {
		t.Errorf("dirs = %v, want nil", dirs)
	}
}
