package irex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// handleUploadCommand syncs locally built package tarballs to the binary
// mirror: only the latest version of each package per arch is uploaded,
// the remote repo-index.json is updated, and --cleanup prunes superseded
// tarballs from the bucket.
func handleUploadCommand(args []string, cfg *Config) error {
	ctx := context.Background()

	cleanup := false
	for _, arg := range args {
		if arg == "--cleanup" || arg == "-c" {
			cleanup = true
		}
	}

	mirror, err := NewMirrorClient(cfg)
	if err != nil {
		return err
	}

	colArrow.Print("-> ")
	colSuccess.Println("Fetching remote index from mirror")
	remoteIndexData, err := mirror.DownloadFile(ctx, "repo-index.json")
	var remoteIndex []RepoEntry
	if err != nil {
		debugf("Remote index not found or error fetching: %v\n", err)
	} else {
		remoteIndex, err = ParseRepoIndex(remoteIndexData)
		if err != nil {
			return fmt.Errorf("failed to parse remote index: %w", err)
		}
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Scanning local binaries in %s\n", BinDir)
	localFiles, err := filepath.Glob(filepath.Join(BinDir, "*.tar.zst"))
	if err != nil {
		return err
	}

	latestLocals := make(map[string]RepoEntry) // key: Name-Arch
	for _, file := range localFiles {
		entry, err := ReadPackageMetadata(file)
		if err != nil {
			debugf("Warning: skipping %s: %v\n", file, err)
			continue
		}
		key := fmt.Sprintf("%s-%s", entry.Name, entry.Arch)
		if existing, ok := latestLocals[key]; !ok || isNewer(entry, existing) {
			latestLocals[key] = entry
		}
	}

	newIndexMap := make(map[string]RepoEntry)
	for _, entry := range remoteIndex {
		newIndexMap[fmt.Sprintf("%s-%s", entry.Name, entry.Arch)] = entry
	}

	var sortedKeys []string
	for k := range latestLocals {
		sortedKeys = append(sortedKeys, k)
	}
	sort.Strings(sortedKeys)

	var pending []RepoEntry
	for _, key := range sortedKeys {
		local := latestLocals[key]
		remote, exists := newIndexMap[key]

		if !exists || isNewer(local, remote) || local.B3Sum != remote.B3Sum {
			pending = append(pending, local)
		}
	}

	var uploadedCount int
	if len(pending) > 0 {
		colArrow.Print("-> ")
		colSuccess.Printf("%d tarball(s) differ from the mirror:\n", len(pending))
		for i, entry := range pending {
			fmt.Printf("  %d) %s %s-%s (%s)\n", i+1, entry.Name, entry.Version, entry.Revision, entry.Arch)
		}

		indices, ok := AskForSelection(fmt.Sprintf("Upload which? [a]ll / [n]one / numbers 1-%d (-N excludes):", len(pending)), len(pending))
		if ok {
			for _, idx := range indices {
				local := pending[idx]
				remoteName := StandardizeRemoteName(local.Name, local.Version, local.Revision, local.Arch)

				colArrow.Print("-> ")
				colSuccess.Printf("Uploading to mirror: %s\n", remoteName)
				localPath := filepath.Join(BinDir, local.Filename)
				if err := mirror.UploadLocalFile(ctx, remoteName, localPath); err != nil {
					return fmt.Errorf("failed to upload %s: %w", local.Name, err)
				}

				local.Filename = remoteName
				newIndexMap[fmt.Sprintf("%s-%s", local.Name, local.Arch)] = local
				uploadedCount++
			}
		}
	}

	if cleanup {
		colArrow.Print("-> ")
		colSuccess.Println("Checking for superseded tarballs on the mirror")
		remoteObjects, err := mirror.ListObjects(ctx, "")
		if err != nil {
			return fmt.Errorf("failed to list remote files: %w", err)
		}

		activeFiles := make(map[string]bool)
		for _, entry := range newIndexMap {
			activeFiles[entry.Filename] = true
		}
		activeFiles["repo-index.json"] = true

		var deletedCount int
		for _, obj := range remoteObjects {
			if !activeFiles[obj.Key] && strings.HasSuffix(obj.Key, ".tar.zst") {
				colArrow.Print("-> ")
				if askForConfirmation("Delete old version from mirror: %s?", obj.Key) {
					if err := mirror.DeleteFile(ctx, obj.Key); err != nil {
						fmt.Fprintf(os.Stderr, "Warning: failed to delete %s: %v\n", obj.Key, err)
					} else {
						deletedCount++
					}
				}
			}
		}
		if deletedCount > 0 {
			colSuccess.Printf("Cleanup complete. Deleted %d old files.\n", deletedCount)
		}
	}

	colArrow.Print("-> ")
	colSuccess.Println("Calculating storage usage")
	if allObjects, err := mirror.ListObjects(ctx, ""); err == nil {
		var totalSize int64
		for _, obj := range allObjects {
			totalSize += obj.Size
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Storage used: ")
		colNote.Printf("%s\n", humanReadableSize(totalSize))
	}

	if uploadedCount > 0 || cleanup {
		colArrow.Print("-> ")
		colSuccess.Println("Updating remote index")

		var finalizedIndex []RepoEntry
		for _, entry := range newIndexMap {
			finalizedIndex = append(finalizedIndex, entry)
		}
		sort.Slice(finalizedIndex, func(i, j int) bool {
			a, b := finalizedIndex[i], finalizedIndex[j]
			if a.Name != b.Name {
				return a.Name < b.Name
			}
			return a.Arch < b.Arch
		})

		// Write the index locally first; the BinDir copy doubles as a
		// record of what the mirror was last told.
		indexPath := filepath.Join(BinDir, "repo-index.json")
		if err := SaveRepoIndex(indexPath, finalizedIndex); err != nil {
			return fmt.Errorf("failed to write local index: %w", err)
		}
		indexBytes, err := os.ReadFile(indexPath)
		if err != nil {
			return fmt.Errorf("failed to read local index: %w", err)
		}
		if err := mirror.UploadFile(ctx, "repo-index.json", indexBytes); err != nil {
			return fmt.Errorf("failed to upload index: %w", err)
		}
		colSuccess.Printf("Sync complete. Updated index with %d new uploads.\n", uploadedCount)
	} else {
		colArrow.Print("-> ")
		colSuccess.Printf("Everything up to date.\n")
	}

	return nil
}

func humanReadableSize(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
