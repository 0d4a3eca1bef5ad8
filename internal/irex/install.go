package irex

import (
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// executorForPrefix picks the executor for operations that write into the
// prefix: the user executor when the prefix (or its nearest existing
// parent) is writable, the root executor otherwise.
func executorForPrefix() *Executor {
	dir := prefix
	// Walk up to the nearest existing directory; a missing prefix is
	// created during install, so what matters is where it would go.
	for {
		if _, err := os.Stat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	if err := unix.Access(dir, unix.W_OK); err == nil {
		return UserExec
	}
	return RootExec
}

// pkgInstall unpacks a built package tarball into a staging tree and syncs
// it into the prefix. Files the previous version shipped but the new one
// does not are removed afterwards. The sync window is marked critical so
// a single Ctrl+C cannot leave a half-written prefix.
func pkgInstall(pkgName, tarballPath string, execCtx *Executor) error {
	if _, err := os.Stat(tarballPath); err != nil {
		return fmt.Errorf("package tarball not found: %s", tarballPath)
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Installing %s\n", pkgName)

	stagingDir := filepath.Join(tmpDir, fmt.Sprintf("irex-staging-%s-%02d", pkgName, rand.Intn(100)))
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return fmt.Errorf("failed to create staging dir %s: %v", stagingDir, err)
	}
	defer func() {
		rmCmd := exec.Command("rm", "-rf", stagingDir)
		_ = execCtx.Run(rmCmd)
	}()

	// System tar first; the internal extractor covers hosts without zstd
	// support in tar.
	tarCmd := exec.Command("tar", "--zstd", "-xf", tarballPath, "-C", stagingDir)
	if err := execCtx.Run(tarCmd); err != nil {
		debugf("system tar unpack failed (%v), using internal extractor\n", err)
		if err := unpackPackageTarball(tarballPath, stagingDir); err != nil {
			return fmt.Errorf("failed to unpack %s: %w", tarballPath, err)
		}
	}

	// The staging tree mirrors absolute paths (DESTDIR layout), so the
	// sync target is the filesystem root; everything still lands under
	// the prefix because that is all the tree contains.
	obsolete, err := removeObsoleteFiles(pkgName, stagingDir, "/")
	if err != nil {
		return fmt.Errorf("failed to compute obsolete files for %s: %w", pkgName, err)
	}

	// Previous manifest, read before the sync replaces it, drives the
	// post-install directory pruning.
	oldDirs, _ := parseManifestDirs(filepath.Join(Installed, pkgName, "manifest"))

	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	if err := rsyncStaging(stagingDir, "/", execCtx); err != nil {
		return fmt.Errorf("failed to sync staging into %s: %w", prefix, err)
	}

	for _, path := range obsolete {
		debugf("Removing obsolete file: %s\n", path)
		if err := removeFileAsRoot(path, execCtx); err != nil {
			cPrintf(colWarn, "Warning: failed to remove obsolete file %s: %v\n", path, err)
		}
	}

	// Directories from the old manifest that the new version no longer
	// lists and that are now empty get pruned, deepest first.
	newDirs, _ := parseManifestDirs(filepath.Join(Installed, pkgName, "manifest"))
	newDirSet := make(map[string]struct{}, len(newDirs))
	for _, d := range newDirs {
		newDirSet[d] = struct{}{}
	}
	for _, d := range oldDirs {
		if _, keep := newDirSet[d]; keep {
			continue
		}
		// Manifest directory entries are absolute paths.
		if err := os.Remove(filepath.Clean(d)); err == nil {
			debugf("Pruned empty directory: %s\n", d)
		}
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Installed %s into %s\n", pkgName, prefix)
	return nil
}

// installFromRecipe resolves the recipe version and installs the matching
// tarball from BinDir, fetching it from the binary mirror when the local
// cache misses and a mirror is configured.
func installFromRecipe(pkgName string, cfg *Config, execCtx *Executor) error {
	pkgVer, pkgRev, err := readRecipeVersionByName(pkgName)
	if err != nil {
		return err
	}
	tarball := filepath.Join(BinDir, StandardizeRemoteName(pkgName, pkgVer, pkgRev, arch))

	if _, err := os.Stat(tarball); err != nil {
		mirror := cfg.Values["IREX_MIRROR"]
		if mirror == "" {
			return fmt.Errorf("no built package for %s %s-%s: run build first", pkgName, pkgVer, pkgRev)
		}
		if err := fetchBinaryPackage(pkgName, pkgVer, pkgRev, mirror); err != nil {
			return fmt.Errorf("no built package for %s %s-%s and mirror fetch failed: %w", pkgName, pkgVer, pkgRev, err)
		}
	}

	return pkgInstall(pkgName, tarball, execCtx)
}
