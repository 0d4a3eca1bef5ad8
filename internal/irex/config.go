package irex

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config holds the merged /etc/irex.conf values plus environment overrides.
type Config struct {
	Values map[string]string
}

// loadConfig reads path (missing file is not an error), merges IREX_* and
// PREFIX environment overrides on top, and applies defaults.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	mergeEnvOverrides(cfg)

	if cfg.Values["TMPDIR"] == "" {
		cfg.Values["TMPDIR"] = "/tmp"
	}

	return cfg, nil
}

// mergeEnvOverrides lets IREX_* variables (and PREFIX itself) override
// anything read from the config file.
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "IREX_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
	if p, ok := os.LookupEnv("PREFIX"); ok {
		cfg.Values["PREFIX"] = p
	}
}

// initConfig derives the global paths from cfg. PREFIX is validated here,
// before any build step runs: an unset or relative prefix would otherwise
// surface much later as a half-configured tree under the wrong root.
func initConfig(cfg *Config) error {
	prefix = cfg.Values["PREFIX"]
	if strings.TrimSpace(prefix) == "" {
		return fmt.Errorf("PREFIX is not set: export PREFIX or set it in %s", ConfigFile)
	}
	if !filepath.IsAbs(prefix) {
		return fmt.Errorf("PREFIX must be an absolute path, got %q", prefix)
	}
	prefix = filepath.Clean(prefix)

	repoPaths = cfg.Values["IREX_PATH"]
	if repoPaths == "" {
		return fmt.Errorf("IREX_PATH is not set: add at least one recipe repository")
	}

	tmpDir = cfg.Values["TMPDIR"]
	if tmpDir == "" {
		tmpDir = "/tmp"
	}

	Debug = cfg.Values["IREX_DEBUG"] == "1"
	Verbose = cfg.Values["IREX_VERBOSE"] == "1"
	sourceMirrorURL = strings.TrimSuffix(cfg.Values["IREX_SOURCE_MIRROR"], "/")

	SourcesDir = CacheDir + "/sources"
	BinDir = CacheDir + "/bin"
	CacheStore = SourcesDir + "/_cache"
	Installed = filepath.Join(prefix, "var/db/irex/installed")

	return nil
}
