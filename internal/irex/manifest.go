package irex

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

type ManifestEntry struct {
	Path     string
	Checksum string
}

// generateManifest writes installedDir/manifest describing everything in
// outputDir. Directory entries end with "/", symlinks carry the sentinel
// checksum 000000, regular files get their BLAKE3 sum. The manifest lists
// its own entry last, hashed over the file before the self-entry.
func generateManifest(outputDir, installedDir string, execCtx *Executor) error {
	manifestFile := filepath.Join(installedDir, "manifest")

	fTmp, err := os.CreateTemp("", "irex-manifest-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary manifest file: %v", err)
	}
	tmpManifest := fTmp.Name()
	fTmp.Close()

	// 0644 so the file stays readable across privilege contexts
	if err := os.Chmod(tmpManifest, 0o644); err != nil {
		os.Remove(tmpManifest)
		return fmt.Errorf("failed to chmod temp manifest: %v", err)
	}
	defer os.Remove(tmpManifest)

	mkdirCmd := exec.Command("mkdir", "-p", installedDir)
	if err := execCtx.Run(mkdirCmd); err != nil {
		return fmt.Errorf("failed to create installedDir: %v", err)
	}

	entries, err := listOutputFiles(outputDir, execCtx)
	if err != nil {
		// fallback to RootExec
		execCtx = RootExec
		entries, err = listOutputFiles(outputDir, execCtx)
		if err != nil {
			return fmt.Errorf("failed to list output files: %v", err)
		}
	}

	relManifest, err := filepath.Rel(outputDir, manifestFile)
	if err != nil {
		return fmt.Errorf("failed to compute relative path for manifest: %v", err)
	}
	manifestEntryPath := "/" + relManifest

	filtered := make([]string, 0, len(entries))
	for _, e := range entries {
		if e != manifestEntryPath {
			filtered = append(filtered, e)
		}
	}

	f, err := os.OpenFile(tmpManifest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open temporary manifest file: %v", err)
	}
	defer f.Close()

	var dirs, symlinks []string
	var regularFiles []string
	symlinkMap := make(map[string]bool)

	for _, entry := range filtered {
		if strings.HasSuffix(entry, "/") {
			dirs = append(dirs, entry)
			continue
		}
		absPath := filepath.Join(outputDir, strings.TrimPrefix(entry, "/"))
		fileType, err := lstatViaExecutor(absPath, execCtx)
		if err != nil {
			return fmt.Errorf("failed to lstat %s: %v", absPath, err)
		}
		if fileType == "symbolic link" {
			symlinks = append(symlinks, entry)
			symlinkMap[entry] = true
		} else {
			regularFiles = append(regularFiles, absPath)
		}
	}

	for _, entry := range dirs {
		rel := strings.TrimPrefix(entry, "/")
		if !strings.HasSuffix(rel, "/") {
			rel += "/"
		}
		if _, err := fmt.Fprintln(f, "/"+rel); err != nil {
			return fmt.Errorf("failed to write manifest entry: %v", err)
		}
	}

	for _, entry := range symlinks {
		if _, err := fmt.Fprintf(f, "%s 000000\n", entry); err != nil {
			return fmt.Errorf("failed to write symlink entry: %v", err)
		}
	}

	checksums, err := ComputeChecksums(regularFiles, execCtx)
	if err != nil {
		return fmt.Errorf("failed to compute checksums: %v", err)
	}

	for _, entry := range filtered {
		if strings.HasSuffix(entry, "/") || symlinkMap[entry] {
			continue
		}
		absPath := filepath.Join(outputDir, strings.TrimPrefix(entry, "/"))
		checksum, exists := checksums[absPath]
		if !exists {
			return fmt.Errorf("missing checksum for %s", absPath)
		}
		if _, err := fmt.Fprintf(f, "%s  %s\n", entry, checksum); err != nil {
			return fmt.Errorf("failed to write manifest entry: %v", err)
		}
	}

	f.Close()

	tempChecksum, err := ComputeChecksum(tmpManifest, execCtx)
	if err != nil {
		return fmt.Errorf("failed to compute checksum for temporary manifest %s: %v", tmpManifest, err)
	}

	f, err = os.OpenFile(tmpManifest, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to re-open temporary manifest file for final entry: %v", err)
	}
	if _, err := fmt.Fprintf(f, "%s  %s\n", manifestEntryPath, tempChecksum); err != nil {
		f.Close()
		return fmt.Errorf("failed to write final manifest entry: %v", err)
	}
	f.Close()

	cpCmd := exec.Command("cp", "--remove-destination", tmpManifest, manifestFile)
	if err := execCtx.Run(cpCmd); err != nil {
		return fmt.Errorf("failed to copy temporary manifest into place: %v", err)
	}

	debugf("Manifest written to %s (%d entries)\n", manifestFile, len(filtered))
	return nil
}

// parseManifest reads a manifest file into a map keyed by file path.
// Directory entries are skipped; a missing manifest parses as empty.
func parseManifest(filePath string) (map[string]ManifestEntry, error) {
	entries := make(map[string]ManifestEntry)

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, fmt.Errorf("failed to open manifest file %s: %w", filePath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Pure directory lines ("/usr/lib/") have a single field
		if strings.HasSuffix(line, "/") && len(strings.Fields(line)) == 1 {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("invalid manifest line format: %s", line)
		}

		// Format is PATH  CHECKSUM; the checksum is a fixed hex string at
		// the end, so everything before it is the path (which may contain
		// spaces).
		checksum := fields[len(fields)-1]
		path := strings.Join(fields[:len(fields)-1], " ")

		entries[path] = ManifestEntry{Path: path, Checksum: checksum}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading manifest file %s: %w", filePath, err)
	}

	return entries, nil
}

// parseManifestDirs returns directory entries from a manifest, deepest
// paths first, for post-uninstall directory pruning.
func parseManifestDirs(filePath string) ([]string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open manifest file %s: %w", filePath, err)
	}
	defer file.Close()

	var dirs []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasSuffix(line, "/") && len(strings.Fields(line)) == 1 {
			dirs = append(dirs, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// Deepest first so rmdir can empty out nested trees
	for i, j := 0, len(dirs)-1; i < j; i, j = i+1, j-1 {
		dirs[i], dirs[j] = dirs[j], dirs[i]
	}
	return dirs, nil
}
