package irex

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// removeObsoleteFiles compares the installed manifest for pkgName with the
// manifest inside the staging tree and returns the absolute paths (under
// rootDir) that the new version no longer ships. Files owned by another
// installed package are never scheduled for deletion.
func removeObsoleteFiles(pkgName, stagingDir, rootDir string) ([]string, error) {
	installedManifestPath := filepath.Join(Installed, pkgName, "manifest")
	stagingManifestPath := filepath.Join(stagingDir, strings.TrimPrefix(Installed, "/"), pkgName, "manifest")

	installedData, err := readFileAsRoot(installedManifestPath)
	if err != nil {
		// Fresh install: nothing to remove.
		return nil, nil
	}

	stagingData, _ := os.ReadFile(stagingManifestPath)

	stagingSet := make(map[string]struct{})
	if len(stagingData) > 0 {
		sc := bufio.NewScanner(strings.NewReader(string(stagingData)))
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasSuffix(line, "/") {
				continue
			}
			parts := strings.SplitN(line, "  ", 2)
			path := strings.Fields(parts[0])[0]
			stagingSet[path] = struct{}{}
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("error reading staging manifest: %v", err)
		}
	}

	debugf("Building file ownership index...\n")
	fileOwnerIndex := buildFileOwnerIndex(pkgName)
	debugf("File ownership index built (indexed %d files)\n", len(fileOwnerIndex))

	var filesToDelete []string
	iscanner := bufio.NewScanner(strings.NewReader(string(installedData)))
	for iscanner.Scan() {
		line := strings.TrimSpace(iscanner.Text())
		if line == "" || strings.HasSuffix(line, "/") {
			continue
		}
		parts := strings.SplitN(line, "  ", 2)
		path := strings.Fields(parts[0])[0]

		if _, ok := stagingSet[path]; ok {
			continue
		}

		installedPath := filepath.Join(rootDir, path)
		if fi, err := os.Lstat(installedPath); err == nil && !fi.IsDir() {
			normalizedPath := filepath.Clean(path)
			if _, owned := fileOwnerIndex[normalizedPath]; owned {
				continue
			}
			if _, owned := fileOwnerIndex["/"+strings.TrimPrefix(normalizedPath, "/")]; owned {
				continue
			}
			filesToDelete = append(filesToDelete, installedPath)
		}
	}
	if err := iscanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading installed manifest: %v", err)
	}

	debugf("Obsolete file scan done (%d to delete)\n", len(filesToDelete))
	return filesToDelete, nil
}

// buildFileOwnerIndex maps every path claimed by an installed package
// (except excludePkg) to its owner, so obsolete-file checks are O(1)
// instead of rescanning every manifest per file.
func buildFileOwnerIndex(excludePkg string) map[string]string {
	index := make(map[string]string)

	entries, err := os.ReadDir(Installed)
	if err != nil {
		return index
	}

	for _, e := range entries {
		if !e.IsDir() || e.Name() == excludePkg {
			continue
		}
		pkgName := e.Name()

		data, err := os.ReadFile(filepath.Join(Installed, pkgName, "manifest"))
		if err != nil {
			continue
		}

		scanner := bufio.NewScanner(strings.NewReader(string(data)))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasSuffix(line, "/") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}

			normalizedPath := filepath.Clean(fields[0])
			withSlash := "/" + strings.TrimPrefix(normalizedPath, "/")
			if _, exists := index[normalizedPath]; !exists {
				index[normalizedPath] = pkgName
			}
			if _, exists := index[withSlash]; !exists {
				index[withSlash] = pkgName
			}
		}
	}

	return index
}

// rsyncStaging syncs the contents of stagingDir into rootDir and removes
// the staging tree on success. System rsync is preferred for its hardlink
// and xattr handling, then cp -aT, then the internal tar-stream copy.
func rsyncStaging(stagingDir, rootDir string, execCtx *Executor) error {
	stagingPath := filepath.Clean(stagingDir)

	mkdirCmd := exec.Command("mkdir", "-p", rootDir)
	if err := execCtx.Run(mkdirCmd); err != nil {
		return fmt.Errorf("failed to create rootDir %s: %v", rootDir, err)
	}

	if _, err := exec.LookPath("rsync"); err == nil {
		// Trailing slash: copy contents, not the directory itself.
		args := []string{
			"-aHAX",
			"--numeric-ids",
			"--no-implied-dirs",
			"--keep-dirlinks",
			stagingPath + string(os.PathSeparator),
			rootDir,
		}
		cmd := exec.Command("rsync", args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := execCtx.Run(cmd); err == nil {
			rmCmd := exec.Command("rm", "-rf", stagingDir)
			if err := execCtx.Run(rmCmd); err != nil {
				return fmt.Errorf("failed to remove staging dir %s: %v", stagingDir, err)
			}
			return nil
		}
		debugf("rsync failed, trying cp -aT\n")
	}

	if _, err := exec.LookPath("cp"); err == nil {
		// -T keeps cp from nesting stagingPath inside rootDir.
		cmd := exec.Command("cp", "-aT", stagingPath, rootDir)
		cmd.Stderr = os.Stderr

		debugf("Attempting to sync with 'cp -aT %s %s'\n", stagingPath, rootDir)
		if err := execCtx.Run(cmd); err == nil {
			rmCmd := exec.Command("rm", "-rf", stagingDir)
			if err := execCtx.Run(rmCmd); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to remove staging dir %s: %v\n", stagingDir, err)
			}
			return nil
		}
		debugf("System 'cp -aT' failed, falling back to internal implementation.\n")
	}

	debugf("Using internal tar-stream fallback for staging sync\n")
	if err := copyTreeWithTar(stagingPath, rootDir, execCtx); err != nil {
		return fmt.Errorf("internal tar fallback failed: %v", err)
	}

	rmCmd := exec.Command("rm", "-rf", stagingDir)
	if err := execCtx.Run(rmCmd); err != nil {
		return fmt.Errorf("failed to remove staging dir %s: %v", stagingDir, err)
	}
	return nil
}
