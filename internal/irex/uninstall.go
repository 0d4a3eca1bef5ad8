package irex

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
)

// pkgUninstall removes an installed package: every manifest file that no
// other package owns is deleted, then the manifest's directories are
// pruned deepest-first where empty, and finally the installed-DB entry
// itself goes away.
func pkgUninstall(pkgName string, execCtx *Executor, yes bool) error {
	if !isPackageInstalled(pkgName) {
		return fmt.Errorf("package %s is not installed", pkgName)
	}

	manifestPath := filepath.Join(Installed, pkgName, "manifest")
	entries, err := parseManifest(manifestPath)
	if err != nil {
		return fmt.Errorf("failed to read manifest for %s: %w", pkgName, err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("manifest for %s is empty or missing", pkgName)
	}

	ver, rev, _ := getInstalledVersion(pkgName)
	colArrow.Print("-> ")
	colSuccess.Printf("Uninstalling %s %s-%s (%d files)\n", pkgName, ver, rev, len(entries))

	if !yes {
		if !askForConfirmation(fmt.Sprintf("Remove %s from %s?", pkgName, prefix)) {
			colArrow.Print("-> ")
			colSuccess.Println("Aborted")
			return nil
		}
	}

	fileOwnerIndex := buildFileOwnerIndex(pkgName)

	// Stable order makes removal logs reproducible.
	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	var failed int
	for _, p := range paths {
		normalized := filepath.Clean(p)
		if _, owned := fileOwnerIndex[normalized]; owned {
			debugf("Skipping %s: owned by another package\n", p)
			continue
		}
		// Manifest paths are absolute and already include the prefix.
		if err := removeFileAsRoot(normalized, execCtx); err != nil {
			if !os.IsNotExist(err) {
				cPrintf(colWarn, "Warning: failed to remove %s: %v\n", normalized, err)
				failed++
			}
		}
	}

	dirs, err := parseManifestDirs(manifestPath)
	if err == nil {
		for _, d := range dirs {
			// Only empty directories fall; shared parents survive.
			if err := os.Remove(filepath.Clean(d)); err == nil {
				debugf("Removed directory: %s\n", d)
			}
		}
	}

	dbDir := filepath.Join(Installed, pkgName)
	rmCmd := exec.Command("rm", "-rf", dbDir)
	if err := execCtx.Run(rmCmd); err != nil {
		return fmt.Errorf("failed to remove installed-DB entry %s: %w", dbDir, err)
	}

	colArrow.Print("-> ")
	if failed > 0 {
		colSuccess.Printf("Uninstalled %s (%d files could not be removed)\n", pkgName, failed)
	} else {
		colSuccess.Printf("Uninstalled %s\n", pkgName)
	}
	return nil
}
