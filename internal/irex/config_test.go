package irex

import (
	"os"
	"path/filepath"
	"testing"
)

func saveGlobals(t *testing.T) {
	t.Helper()
	oldPrefix, oldRepoPaths, oldTmpDir := prefix, repoPaths, tmpDir
	oldSources, oldBin, oldCache := SourcesDir, BinDir, CacheStore
	oldInstalled, oldDebug, oldVerbose := Installed, Debug, Verbose
	oldMirror := sourceMirrorURL
	t.Cleanup(func() {
		prefix, repoPaths, tmpDir = oldPrefix, oldRepoPaths, oldTmpDir
		SourcesDir, BinDir, CacheStore = oldSources, oldBin, oldCache
		Installed, Debug, Verbose = oldInstalled, oldDebug, oldVerbose
		sourceMirrorURL = oldMirror
	})
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "irex.conf")
	data := `# comment
PREFIX=/opt/irods-externals
IREX_PATH="/repo/main:/repo/extra"
IREX_DEBUG='1'

MALFORMED LINE
`
	if err := os.WriteFile(confPath, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(confPath)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.Values["PREFIX"] != "/opt/irods-externals" {
		t.Errorf("PREFIX = %q", cfg.Values["PREFIX"])
	}
	if cfg.Values["IREX_PATH"] != "/repo/main:/repo/extra" {
		t.Errorf("IREX_PATH = %q (quotes should be stripped)", cfg.Values["IREX_PATH"])
	}
	if cfg.Values["IREX_DEBUG"] != "1" {
		t.Errorf("IREX_DEBUG = %q", cfg.Values["IREX_DEBUG"])
	}
	if _, ok := cfg.Values["MALFORMED LINE"]; ok {
		t.Error("malformed line should be skipped")
	}
	if cfg.Values["TMPDIR"] != "/tmp" {
		t.Errorf("TMPDIR default = %q, want /tmp", cfg.Values["TMPDIR"])
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "irex.conf")
	if err := os.WriteFile(confPath, []byte("PREFIX=/from/file\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PREFIX", "/from/env")
	t.Setenv("IREX_PATH", "/env/repo")

	cfg, err := loadConfig(confPath)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Values["PREFIX"] != "/from/env" {
		t.Errorf("PREFIX = %q, env should win over file", cfg.Values["PREFIX"])
	}
	if cfg.Values["IREX_PATH"] != "/env/repo" {
		t.Errorf("IREX_PATH = %q", cfg.Values["IREX_PATH"])
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "nonexistent.conf"))
	if err != nil {
		t.Fatalf("missing config file should not be an error, got %v", err)
	}
	if cfg.Values["TMPDIR"] != "/tmp" {
		t.Errorf("TMPDIR default = %q", cfg.Values["TMPDIR"])
	}
}

func TestInitConfig(t *testing.T) {
	saveGlobals(t)

	tests := []struct {
		name    string
		values  map[string]string
		wantErr bool
	}{
		{
			name:   "valid",
			values: map[string]string{"PREFIX": "/opt/ext", "IREX_PATH": "/repo"},
		},
		{
			name:    "missing prefix",
			values:  map[string]string{"IREX_PATH": "/repo"},
			wantErr: true,
		},
		{
			name:    "relative prefix",
			values:  map[string]string{"PREFIX": "opt/ext", "IREX_PATH": "/repo"},
			wantErr: true,
		},
		{
			name:    "missing repo path",
			values:  map[string]string{"PREFIX": "/opt/ext"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Values: tt.values}
			err := initConfig(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("initConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if prefix != "/opt/ext" {
				t.Errorf("prefix = %q", prefix)
			}
			if Installed != "/opt/ext/var/db/irex/installed" {
				t.Errorf("Installed = %q", Installed)
			}
		})
	}
}

func TestInitConfigCleansPrefix(t *testing.T) {
	saveGlobals(t)

	cfg := &Config{Values: map[string]string{
		"PREFIX":    "/opt/ext/",
		"IREX_PATH": "/repo",
	}}
	if err := initConfig(cfg); err != nil {
		t.Fatalf("initConfig() error = %v", err)
	}
	if prefix != "/opt/ext" {
		t.Errorf("prefix = %q, want cleaned /opt/ext", prefix)
	}
}
