package irex

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gookit/color"
	"github.com/ulikunitz/xz"
)

var errPackageNotFound = errors.New("package not found")

// listPackages prints the installed packages, optionally filtered by a
// substring match on the name.
func listPackages(searchTerm string) error {
	entries, err := os.ReadDir(Installed)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No packages installed.")
			return nil
		}
		return err
	}

	var pkgsToShow []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if searchTerm != "" && !strings.Contains(e.Name(), searchTerm) {
			continue
		}
		pkgsToShow = append(pkgsToShow, e.Name())
	}

	if len(pkgsToShow) == 0 {
		if searchTerm != "" {
			colArrow.Print("-> ")
			colSuccess.Printf("No packages found matching: %s\n", searchTerm)
			return errPackageNotFound
		}
		return nil
	}

	var output []string
	for _, p := range pkgsToShow {
		versionInfo := "unknown"
		if data, err := os.ReadFile(filepath.Join(Installed, p, "version")); err == nil {
			versionInfo = strings.TrimSpace(string(data))
		}

		// buildtime holds whole seconds
		buildtimeStr := ""
		if data, err := os.ReadFile(filepath.Join(Installed, p, "buildtime")); err == nil {
			raw := strings.TrimSpace(string(data))
			if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
				buildtimeStr = (time.Duration(secs) * time.Second).String()
			} else {
				buildtimeStr = raw
			}
		}

		pkgStr := fmt.Sprintf("%s %s %s",
			colArrow.Sprint("->"),
			colSuccess.Sprintf("%-25s", p),
			colNote.Sprintf("%-15s", versionInfo))
		if buildtimeStr != "" {
			pkgStr += fmt.Sprintf(" %s", color.Yellow.Sprint(buildtimeStr))
		}
		output = append(output, pkgStr)
	}

	return RunPager("Installed Packages", output)
}

// showManifest prints the file list for an installed package, skipping
// directories and the internal DB entries.
func showManifest(pkgName string) error {
	manifestPath := filepath.Join(Installed, pkgName, "manifest")

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("package %s is not installed (manifest not found)", pkgName)
		}
		return fmt.Errorf("failed to read manifest for %s: %w", pkgName, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasSuffix(line, "/") {
			continue
		}

		lastSpace := strings.LastIndexAny(line, " \t")
		if lastSpace == -1 {
			continue
		}
		path := strings.TrimSpace(line[:lastSpace])

		// Manifest paths are absolute, so the internal DB filter matches
		// against the full Installed path.
		cleanNoSlash := strings.TrimPrefix(filepath.Clean(path), "/")
		if strings.HasPrefix(cleanNoSlash, strings.Trim(Installed, "/")) {
			continue
		}

		fmt.Println(path)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error scanning manifest: %w", err)
	}
	return nil
}

// findPackagesByManifestString prints the installed packages whose
// manifest lists a path containing query.
func findPackagesByManifestString(query string) error {
	if query == "" {
		return fmt.Errorf("empty search string")
	}

	entries, err := os.ReadDir(Installed)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No packages installed.")
			return nil
		}
		return fmt.Errorf("failed to read installed db: %w", err)
	}

	dbRel := strings.Trim(Installed, "/")

	foundAny := false
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pkgName := e.Name()

		data, err := os.ReadFile(filepath.Join(Installed, pkgName, "manifest"))
		if err != nil {
			continue
		}

		match := false
		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasSuffix(line, "/") {
				continue
			}
			lastSpace := strings.LastIndexAny(line, " \t")
			if lastSpace == -1 {
				continue
			}
			path := strings.TrimSpace(line[:lastSpace])

			cleanNoSlash := strings.TrimPrefix(filepath.Clean(path), "/")
			if strings.HasPrefix(cleanNoSlash, dbRel) {
				continue
			}

			if strings.Contains(path, query) {
				match = true
				break
			}
		}
		if scanner.Err() != nil {
			continue
		}

		if match {
			fmt.Println(pkgName)
			foundAny = true
		}
	}

	if !foundAny {
		fmt.Println("No packages found matching:", query)
	}
	return nil
}

// showDepends prints the dependency list for a package: the installed
// DB's depends when the package is installed, the recipe's otherwise.
func showDepends(pkgName string) error {
	installedDepends := filepath.Join(Installed, pkgName, "depends")
	if data, err := os.ReadFile(installedDepends); err == nil {
		fmt.Print(string(data))
		return nil
	}

	pkgDir, err := findRecipeDir(pkgName)
	if err != nil {
		return err
	}
	deps, err := parseDependsFile(pkgDir)
	if err != nil {
		return err
	}
	for _, d := range deps {
		line := d.Name
		if d.Make {
			line += " make"
		}
		if d.Configure {
			line += " configure"
		}
		fmt.Println(line)
	}
	return nil
}

// showBuildLog decompresses and pages the stored build log for an
// installed package.
func showBuildLog(pkgName string) error {
	logPath := filepath.Join(Installed, pkgName, "log.xz")

	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no build log stored for %s", pkgName)
		}
		return fmt.Errorf("failed to open build log for %s: %w", pkgName, err)
	}
	defer f.Close()

	xzr, err := xz.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to decompress build log for %s: %w", pkgName, err)
	}
	data, err := io.ReadAll(xzr)
	if err != nil {
		return fmt.Errorf("failed to read build log for %s: %w", pkgName, err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	return RunPager(fmt.Sprintf("Build Log: %s", pkgName), lines)
}
