package irex

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHashString(t *testing.T) {
	a := hashString("https://example.org/tears-1.2.3.tar.gz1.2.3")
	b := hashString("https://example.org/tears-1.2.3.tar.gz1.2.3")
	if a != b {
		t.Errorf("hashString is not deterministic: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
	if a == hashString("something else") {
		t.Error("distinct inputs produced the same hash")
	}
}

func TestComputeChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "source.tar.gz")
	if err := os.WriteFile(path, []byte("payload\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	sum1, err := ComputeChecksum(path, nil)
	if err != nil {
		t.Fatalf("ComputeChecksum() error = %v", err)
	}
	if len(sum1) != 64 {
		t.Errorf("checksum length = %d, want 64", len(sum1))
	}

	sum2, err := ComputeChecksum(path, nil)
	if err != nil {
		t.Fatalf("ComputeChecksum() error = %v", err)
	}
	if sum1 != sum2 {
		t.Errorf("checksum not stable: %q vs %q", sum1, sum2)
	}

	other := filepath.Join(dir, "other.tar.gz")
	if err := os.WriteFile(other, []byte("different payload\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	sum3, err := ComputeChecksum(other, nil)
	if err != nil {
		t.Fatalf("ComputeChecksum() error = %v", err)
	}
	if sum3 == sum1 {
		t.Error("distinct files produced the same checksum")
	}
}

func TestComputeChecksumsBatch(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"a", "b", "c"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(name+" contents\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}

	sums, err := ComputeChecksums(paths, nil)
	if err != nil {
		t.Fatalf("ComputeChecksums() error = %v", err)
	}
	if len(sums) != 3 {
		t.Fatalf("got %d checksums, want 3", len(sums))
	}
	for _, p := range paths {
		if len(sums[p]) != 64 {
			t.Errorf("checksum for %s = %q", p, sums[p])
		}
	}
}

func TestComputeChecksumsEmpty(t *testing.T) {
	sums, err := ComputeChecksums(nil, nil)
	if err != nil {
		t.Fatalf("ComputeChecksums(nil) error = %v", err)
	}
	if len(sums) != 0 {
		t.Errorf("got %d checksums, want 0", len(sums))
	}
}
