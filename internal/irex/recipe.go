package irex

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DepSpec is one line of a recipe's depends file.
type DepSpec struct {
	Name      string
	Make      bool // needed at build time only, never recorded in the installed DB
	Configure bool // pass --with-<name> to the package's configure script
}

// findRecipeDir locates pkgName in the colon-separated IREX_PATH.
func findRecipeDir(pkgName string) (string, error) {
	paths := strings.Split(repoPaths, ":")
	for _, repoPath := range paths {
		repoPath = strings.TrimSpace(repoPath)
		if repoPath == "" {
			continue
		}
		pkgDir := filepath.Join(repoPath, pkgName)
		if info, err := os.Stat(pkgDir); err == nil && info.IsDir() {
			return pkgDir, nil
		}
	}
	return "", fmt.Errorf("%w: %s not in any IREX_PATH repository", errRecipeNotFound, pkgName)
}

// readRecipeVersion reads pkgDir/version and returns the version and
// revision. The file format is "<version> <revision>", e.g. "1.2.3 1";
// revision defaults to "1" when only one field is present.
func readRecipeVersion(pkgDir string) (version string, revision string, err error) {
	versionFile := filepath.Join(pkgDir, "version")
	data, err := os.ReadFile(versionFile)
	if err != nil {
		return "", "", fmt.Errorf("could not read version file at %s: %w", versionFile, err)
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return "", "", fmt.Errorf("invalid version file format (missing version) at %s", versionFile)
	}
	version = fields[0]
	revision = "1"
	if len(fields) >= 2 {
		revision = fields[1]
	}
	return version, revision, nil
}

// readSources reads pkgDir/sources, one URL or relative path per line.
// Blank lines and # comments are skipped.
func readSources(pkgDir string) ([]string, error) {
	sourcesFile := filepath.Join(pkgDir, "sources")
	data, err := os.ReadFile(sourcesFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not read sources file at %s: %w", sourcesFile, err)
	}
	var sources []string
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sources = append(sources, line)
	}
	return sources, nil
}

// parseDependsFile reads pkgDir/depends. A missing file means no
// dependencies.
func parseDependsFile(pkgDir string) ([]DepSpec, error) {
	dependsPath := filepath.Join(pkgDir, "depends")
	content, err := os.ReadFile(dependsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return []DepSpec{}, nil
		}
		return nil, fmt.Errorf("failed to read depends file: %w", err)
	}
	return parseDependsData(content)
}

// parseDependsData parses depends file content. Each line is
// "<name> [make] [configure]"; blank lines and # comments are skipped.
func parseDependsData(content []byte) ([]DepSpec, error) {
	var deps []DepSpec
	scanner := bufio.NewScanner(strings.NewReader(string(content)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		dep := DepSpec{Name: fields[0]}
		for _, f := range fields[1:] {
			switch f {
			case "make":
				dep.Make = true
			case "configure":
				dep.Configure = true
			}
		}
		deps = append(deps, dep)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return deps, nil
}

// loadBuildOptions reads the 'options' file from the recipe directory
// and returns a map of enabled tweaks (e.g. noautoreconf, nostrip).
func loadBuildOptions(pkgDir string) map[string]bool {
	options := make(map[string]bool)

	optionsFile := filepath.Join(pkgDir, "options")
	if data, err := os.ReadFile(optionsFile); err == nil {
		scanner := bufio.NewScanner(strings.NewReader(string(data)))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, f := range strings.Fields(line) {
				options[f] = true
			}
		}
	}

	return options
}

// isPackageInstalled checks the installed database under PREFIX.
func isPackageInstalled(pkgName string) bool {
	info, err := os.Stat(filepath.Join(Installed, pkgName))
	return err == nil && info.IsDir()
}

// getInstalledVersion reads the installed version for pkgName.
func getInstalledVersion(pkgName string) (string, string, bool) {
	versionFile := filepath.Join(Installed, pkgName, "version")
	data, err := os.ReadFile(versionFile)
	if err != nil {
		return "", "", false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", "", false
	}
	revision := "1"
	if len(fields) >= 2 {
		revision = fields[1]
	}
	return fields[0], revision, true
}

// createRecipeSkeleton creates a minimal recipe in targetDir/<pkg>:
// an executable build script plus empty version and sources files.
func createRecipeSkeleton(pkgName string, targetDir string) error {
	if targetDir == "" {
		paths := strings.Split(repoPaths, ":")
		if len(paths) == 0 || strings.TrimSpace(paths[0]) == "" {
			return fmt.Errorf("no repository path available for the new recipe")
		}
		targetDir = strings.TrimSpace(paths[0])
	}
	pkgDir := filepath.Join(targetDir, pkgName)

	// Don't overwrite an existing recipe
	if fi, err := os.Stat(pkgDir); err == nil {
		if fi.IsDir() {
			return fmt.Errorf("recipe %s already exists at %s", pkgName, pkgDir)
		}
		return fmt.Errorf("path %s exists and is not a directory", pkgDir)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat path %s: %w", pkgDir, err)
	}

	if err := os.MkdirAll(pkgDir, 0o755); err != nil {
		return fmt.Errorf("failed to create recipe directory %s: %w", pkgDir, err)
	}

	buildPath := filepath.Join(pkgDir, "build")
	if err := os.WriteFile(buildPath, []byte("#!/bin/sh -e\n"), 0o755); err != nil {
		return fmt.Errorf("failed to create build file: %w", err)
	}

	versionPath := filepath.Join(pkgDir, "version")
	if err := os.WriteFile(versionPath, []byte(" 1\n"), 0o644); err != nil {
		return fmt.Errorf("failed to create version file: %w", err)
	}

	sourcesPath := filepath.Join(pkgDir, "sources")
	if err := os.WriteFile(sourcesPath, []byte(""), 0o644); err != nil {
		return fmt.Errorf("failed to create sources file: %w", err)
	}

	cPrintln(colInfo, "=> Creating build file.")
	cPrintln(colInfo, "=> Creating version file with ' 1'.")
	cPrintln(colInfo, "=> Creating sources file with ''.")
	cPrintf(colInfo, "=> Recipe %s created in %s.\n", pkgName, pkgDir)

	return nil
}

// compareVersions compares two dotted version strings. Numeric segments
// compare numerically; non-numeric fall back to lexicographic.
// Returns -1 if a<b, 0 if equal, 1 if a>b.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var av, bv string
		if i < len(as) {
			av = as[i]
		} else {
			av = "0"
		}
		if i < len(bs) {
			bv = bs[i]
		} else {
			bv = "0"
		}

		ai, aerr := strconv.Atoi(av)
		bi, berr := strconv.Atoi(bv)
		if aerr == nil && berr == nil {
			if ai < bi {
				return -1
			}
			if ai > bi {
				return 1
			}
			continue
		}
		if av < bv {
			return -1
		}
		if av > bv {
			return 1
		}
	}
	return 0
}
