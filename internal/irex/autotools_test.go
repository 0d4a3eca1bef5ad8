package irex

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func withPrefix(t *testing.T, p string) {
	t.Helper()
	old := prefix
	prefix = p
	t.Cleanup(func() { prefix = old })
}

func TestAutotoolsStepsWithAutoconfInput(t *testing.T) {
	withPrefix(t, "/opt/ext")

	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "configure.ac"), []byte("AC_INIT\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	steps, err := autotoolsSteps(srcDir, "/tmp/out", []string{"irods"}, map[string]bool{})
	if err != nil {
		t.Fatalf("autotoolsSteps() error = %v", err)
	}

	var names []string
	for _, s := range steps {
		names = append(names, s.name)
	}
	want := "autoreconf configure make make install"
	if strings.Join(names, " ") != want {
		t.Fatalf("steps = %v, want %q", names, want)
	}

	if strings.Join(steps[0].argv, " ") != "autoreconf -fi" {
		t.Errorf("autoreconf argv = %v", steps[0].argv)
	}

	conf := strings.Join(steps[1].argv, " ")
	for _, arg := range []string{
		"./configure",
		"--prefix=/opt/ext",
		"--with-irods",
		"CPPFLAGS=-I/opt/ext/include",
		"LDFLAGS=-L/opt/ext/lib",
	} {
		if !strings.Contains(conf, arg) {
			t.Errorf("configure argv %q missing %q", conf, arg)
		}
	}
	if !strings.HasPrefix(conf, "./configure --prefix=/opt/ext") {
		t.Errorf("--prefix must come first: %q", conf)
	}

	install := strings.Join(steps[3].argv, " ")
	if !strings.Contains(install, "prefix=/opt/ext") || !strings.Contains(install, "DESTDIR=/tmp/out") {
		t.Errorf("install argv = %q", install)
	}
}

func TestAutotoolsStepsNoAutoreconf(t *testing.T) {
	withPrefix(t, "/opt/ext")

	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "configure.ac"), []byte("AC_INIT\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "configure"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	steps, err := autotoolsSteps(srcDir, "/tmp/out", nil, map[string]bool{"noautoreconf": true})
	if err != nil {
		t.Fatalf("autotoolsSteps() error = %v", err)
	}
	if steps[0].name != "configure" {
		t.Errorf("first step = %q, want configure when noautoreconf is set", steps[0].name)
	}
}

func TestAutotoolsStepsShippedConfigureOnly(t *testing.T) {
	withPrefix(t, "/opt/ext")

	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "configure"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	steps, err := autotoolsSteps(srcDir, "/tmp/out", nil, map[string]bool{})
	if err != nil {
		t.Fatalf("autotoolsSteps() error = %v", err)
	}
	if steps[0].name != "configure" {
		t.Errorf("first step = %q, want configure for a release tarball", steps[0].name)
	}
}

func TestAutotoolsStepsNoBuildSystem(t *testing.T) {
	withPrefix(t, "/opt/ext")

	if _, err := autotoolsSteps(t.TempDir(), "/tmp/out", nil, map[string]bool{}); err == nil {
		t.Fatal("expected error for a source tree without configure or configure.ac")
	}
}

func TestGetScriptExitCode(t *testing.T) {
	tests := []struct {
		name string
		data string
		want int
	}{
		{"failure", `Script started\noutput here\nScript done [COMMAND_EXIT_CODE="2"]` + "\n", 2},
		{"success", `Script done [COMMAND_EXIT_CODE="0"]` + "\n", 0},
		{"no marker", "plain output\n", 0},
		{"malformed", `COMMAND_EXIT_CODE="`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logPath := filepath.Join(t.TempDir(), "build-log.txt")
			if err := os.WriteFile(logPath, []byte(tt.data), 0o644); err != nil {
				t.Fatal(err)
			}
			if got := getScriptExitCode(logPath); got != tt.want {
				t.Errorf("getScriptExitCode() = %d, want %d", got, tt.want)
			}
		})
	}

	if got := getScriptExitCode(filepath.Join(t.TempDir(), "missing")); got != 0 {
		t.Errorf("missing log should read as success, got %d", got)
	}
}

func TestMergeBuildEnv(t *testing.T) {
	defaults := map[string]string{
		"CPPFLAGS": "-I/opt/ext/include",
		"QUOTED":   "it's here",
	}
	env, shellVars := mergeBuildEnv(defaults)

	foundCpp := false
	for _, e := range env {
		if e == "CPPFLAGS=-I/opt/ext/include" {
			foundCpp = true
		}
	}
	if !foundCpp {
		t.Error("CPPFLAGS not present in merged environment")
	}

	if !strings.Contains(shellVars, "CPPFLAGS='-I/opt/ext/include'") {
		t.Errorf("shellVars = %q, missing CPPFLAGS assignment", shellVars)
	}
	if !strings.Contains(shellVars, `QUOTED='it'\''s here'`) {
		t.Errorf("shellVars = %q, single quote not escaped", shellVars)
	}
	// Deterministic order: CPPFLAGS sorts before QUOTED.
	if strings.Index(shellVars, "CPPFLAGS") > strings.Index(shellVars, "QUOTED") {
		t.Errorf("shellVars not sorted: %q", shellVars)
	}
}

func TestMergeBuildEnvReplacesPath(t *testing.T) {
	t.Setenv("PATH", "/usr/bin:/bin")

	env, _ := mergeBuildEnv(map[string]string{"PATH": "/opt/ext/bin:/usr/bin:/bin"})

	var pathCount int
	var got string
	for _, e := range env {
		if strings.HasPrefix(e, "PATH=") {
			pathCount++
			got = e
		}
	}
	if pathCount != 1 {
		t.Fatalf("expected exactly one PATH entry, got %d", pathCount)
	}
	if got != "PATH=/opt/ext/bin:/usr/bin:/bin" {
		t.Errorf("PATH = %q", got)
	}
}

func TestBuildEnvDefaults(t *testing.T) {
	withPrefix(t, "/opt/ext")

	cfg := &Config{Values: map[string]string{}}
	defaults := buildEnvDefaults(cfg)

	if defaults["CPPFLAGS"] != "-I/opt/ext/include" {
		t.Errorf("CPPFLAGS = %q", defaults["CPPFLAGS"])
	}
	if defaults["LDFLAGS"] != "-L/opt/ext/lib" {
		t.Errorf("LDFLAGS = %q", defaults["LDFLAGS"])
	}
	if !strings.HasPrefix(defaults["PATH"], "/opt/ext/bin:") {
		t.Errorf("PATH = %q, prefix bin must lead", defaults["PATH"])
	}
	if !strings.HasPrefix(defaults["MAKEFLAGS"], "-j") {
		t.Errorf("MAKEFLAGS = %q", defaults["MAKEFLAGS"])
	}
	if !strings.Contains(defaults["PKG_CONFIG_PATH"], "/opt/ext/lib/pkgconfig") {
		t.Errorf("PKG_CONFIG_PATH = %q", defaults["PKG_CONFIG_PATH"])
	}

	cfg.Values["IREX_MAKEFLAGS"] = "-j4 -l8"
	defaults = buildEnvDefaults(cfg)
	if defaults["MAKEFLAGS"] != "-j4 -l8" {
		t.Errorf("MAKEFLAGS override = %q", defaults["MAKEFLAGS"])
	}
}
