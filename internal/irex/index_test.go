package irex

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStandardizeRemoteName(t *testing.T) {
	got := StandardizeRemoteName("tears", "1.2.3", "2", "x86_64")
	if got != "tears@1.2.3-2-x86_64.tar.zst" {
		t.Errorf("StandardizeRemoteName() = %q", got)
	}
}

func TestParseRemoteName(t *testing.T) {
	tests := []struct {
		filename string
		name     string
		ver      string
		rev      string
		arch     string
		wantErr  bool
	}{
		{filename: "tears@1.2.3-2-x86_64.tar.zst", name: "tears", ver: "1.2.3", rev: "2", arch: "x86_64"},
		{filename: "lib-zmq@4.3.5-1-aarch64.tar.zst", name: "lib-zmq", ver: "4.3.5", rev: "1", arch: "aarch64"},
		{filename: "avro@1.11.0-rc1-3-x86_64.tar.zst", name: "avro", ver: "1.11.0-rc1", rev: "3", arch: "x86_64"},
		{filename: "tears-1.2.3.tar.gz", wantErr: true},
		{filename: "noversion.tar.zst", wantErr: true},
		{filename: "tears@1.2.3.tar.zst", wantErr: true},
		{filename: "@1.2.3-1-x86_64.tar.zst", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			name, ver, rev, arch, err := ParseRemoteName(tt.filename)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRemoteName() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if name != tt.name || ver != tt.ver || rev != tt.rev || arch != tt.arch {
				t.Errorf("ParseRemoteName() = (%q, %q, %q, %q)", name, ver, rev, arch)
			}
		})
	}
}

func TestRemoteNameRoundTrip(t *testing.T) {
	filename := StandardizeRemoteName("irods-externals-clang", "13.0.0", "5", "x86_64")
	name, ver, rev, arch, err := ParseRemoteName(filename)
	if err != nil {
		t.Fatalf("ParseRemoteName(%q) error = %v", filename, err)
	}
	if name != "irods-externals-clang" || ver != "13.0.0" || rev != "5" || arch != "x86_64" {
		t.Errorf("round trip = (%q, %q, %q, %q)", name, ver, rev, arch)
	}
}

func TestIsNewer(t *testing.T) {
	tests := []struct {
		name string
		a, b RepoEntry
		want bool
	}{
		{
			name: "higher version",
			a:    RepoEntry{Version: "1.2.4", Revision: "1"},
			b:    RepoEntry{Version: "1.2.3", Revision: "9"},
			want: true,
		},
		{
			name: "lower version",
			a:    RepoEntry{Version: "1.2.3", Revision: "9"},
			b:    RepoEntry{Version: "1.2.4", Revision: "1"},
			want: false,
		},
		{
			name: "same version higher revision",
			a:    RepoEntry{Version: "1.2.3", Revision: "3"},
			b:    RepoEntry{Version: "1.2.3", Revision: "2"},
			want: true,
		},
		{
			name: "identical",
			a:    RepoEntry{Version: "1.2.3", Revision: "2"},
			b:    RepoEntry{Version: "1.2.3", Revision: "2"},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isNewer(tt.a, tt.b); got != tt.want {
				t.Errorf("isNewer() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRepoIndexRoundTrip(t *testing.T) {
	index := []RepoEntry{
		{
			Name:     "tears",
			Version:  "1.2.3",
			Revision: "1",
			Arch:     "x86_64",
			Filename: "tears@1.2.3-1-x86_64.tar.zst",
			Size:     12345,
			B3Sum:    "aabbcc",
			Depends:  []string{"irods", "zeromq"},
		},
		{
			Name:     "zeromq",
			Version:  "4.3.5",
			Revision: "2",
			Arch:     "x86_64",
			Filename: "zeromq@4.3.5-2-x86_64.tar.zst",
			Size:     67890,
			B3Sum:    "ddeeff",
		},
	}

	path := filepath.Join(t.TempDir(), "repo-index.json")
	if err := SaveRepoIndex(path, index); err != nil {
		t.Fatalf("SaveRepoIndex() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseRepoIndex(data)
	if err != nil {
		t.Fatalf("ParseRepoIndex() error = %v", err)
	}
	if len(parsed) != 2 {
		t.Fatalf("got %d entries, want 2", len(parsed))
	}
	if parsed[0].Name != "tears" || parsed[0].Depends[1] != "zeromq" {
		t.Errorf("parsed[0] = %+v", parsed[0])
	}
	if parsed[1].Size != 67890 {
		t.Errorf("parsed[1].Size = %d", parsed[1].Size)
	}
}

func TestParseRepoIndexEmpty(t *testing.T) {
	index, err := ParseRepoIndex(nil)
	if err != nil {
		t.Fatalf("ParseRepoIndex(nil) error = %v", err)
	}
	if len(index) != 0 {
		t.Errorf("got %d entries, want 0", len(index))
	}
}
