package irex

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// RepoEntry represents a single package tarball in the repository index.
type RepoEntry struct {
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Revision string   `json:"revision"`
	Arch     string   `json:"arch"`
	Filename string   `json:"filename"`
	Size     int64    `json:"size"`
	B3Sum    string   `json:"b3sum"`
	Depends  []string `json:"depends,omitempty"`
}

// StandardizeRemoteName generates the canonical tarball filename. The @
// separates name from version so package names containing dashes stay
// parseable.
func StandardizeRemoteName(name, ver, rev, arch string) string {
	return fmt.Sprintf("%s@%s-%s-%s.tar.zst", name, ver, rev, arch)
}

// ParseRemoteName splits a tarball filename back into its components.
func ParseRemoteName(filename string) (name, ver, rev, arch string, err error) {
	base := strings.TrimSuffix(filename, ".tar.zst")
	if base == filename {
		return "", "", "", "", fmt.Errorf("not a package tarball: %s", filename)
	}
	at := strings.Index(base, "@")
	if at == -1 {
		return "", "", "", "", fmt.Errorf("malformed package filename: %s", filename)
	}
	name = base[:at]
	rest := base[at+1:]

	// version-revision-arch, splitting from the right
	lastDash := strings.LastIndex(rest, "-")
	if lastDash == -1 {
		return "", "", "", "", fmt.Errorf("malformed package filename: %s", filename)
	}
	arch = rest[lastDash+1:]
	rest = rest[:lastDash]

	lastDash = strings.LastIndex(rest, "-")
	if lastDash == -1 {
		return "", "", "", "", fmt.Errorf("malformed package filename: %s", filename)
	}
	rev = rest[lastDash+1:]
	ver = rest[:lastDash]
	if name == "" || ver == "" || rev == "" || arch == "" {
		return "", "", "", "", fmt.Errorf("malformed package filename: %s", filename)
	}
	return name, ver, rev, arch, nil
}

// ReadPackageMetadata builds a RepoEntry for a local tarball: size and
// checksum from the file itself, everything else from the staged DB
// files inside the archive.
func ReadPackageMetadata(tarballPath string) (RepoEntry, error) {
	entry := RepoEntry{
		Filename: filepath.Base(tarballPath),
	}

	info, err := os.Stat(tarballPath)
	if err != nil {
		return entry, err
	}
	entry.Size = info.Size()

	sum, err := ComputeChecksum(tarballPath, nil)
	if err != nil {
		return entry, fmt.Errorf("failed to compute checksum: %w", err)
	}
	entry.B3Sum = sum

	name, version, revision, deps, err := scanTarballMetadata(tarballPath)
	if err != nil {
		return entry, fmt.Errorf("failed to scan tarball metadata: %w", err)
	}

	entry.Name = name
	entry.Version = version
	entry.Revision = revision
	entry.Depends = deps

	// Arch comes from the filename; the staged DB doesn't record it.
	if _, _, _, a, err := ParseRemoteName(entry.Filename); err == nil {
		entry.Arch = a
	} else {
		entry.Arch = arch
	}

	return entry, nil
}

// scanTarballMetadata reads the staged version and depends files from a
// .tar.zst package in one pass. The package name is the DB directory
// component the files live under.
func scanTarballMetadata(tarballPath string) (name, version, revision string, deps []string, err error) {
	f, err := os.Open(tarballPath)
	if err != nil {
		return "", "", "", nil, err
	}
	defer f.Close()

	zsr, err := zstd.NewReader(f)
	if err != nil {
		return "", "", "", nil, err
	}
	defer zsr.Close()

	// Tarballs are rooted at "./" and mirror absolute paths, so the DB
	// lives at <prefix>/var/db/irex/installed inside the archive.
	dbPrefix := strings.Trim(Installed, "/")

	tr := tar.NewReader(zsr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", "", "", nil, err
		}

		cleanName := strings.TrimPrefix(filepath.Clean(header.Name), "./")
		if !strings.HasPrefix(cleanName, dbPrefix+"/") {
			continue
		}
		rel := strings.TrimPrefix(cleanName, dbPrefix+"/")
		parts := strings.Split(rel, "/")
		if len(parts) != 2 {
			continue
		}
		pkg, file := parts[0], parts[1]

		switch file {
		case "version":
			data, err := io.ReadAll(tr)
			if err != nil {
				return "", "", "", nil, fmt.Errorf("failed to read version from %s: %w", tarballPath, err)
			}
			fields := strings.Fields(string(data))
			name = pkg
			if len(fields) >= 1 {
				version = fields[0]
			}
			revision = "1"
			if len(fields) >= 2 {
				revision = fields[1]
			}
		case "depends":
			data, err := io.ReadAll(tr)
			if err != nil {
				return "", "", "", nil, fmt.Errorf("failed to read depends from %s: %w", tarballPath, err)
			}
			depSpecs, err := parseDependsData(data)
			if err != nil {
				debugf("Warning: failed to parse depends data for %s: %v\n", tarballPath, err)
				continue
			}
			for _, d := range depSpecs {
				if !d.Make {
					deps = append(deps, d.Name)
				}
			}
		}
	}

	if name == "" {
		return "", "", "", nil, fmt.Errorf("no package metadata found in %s", tarballPath)
	}
	return name, version, revision, deps, nil
}

// isNewer returns true when a supersedes b: higher version, or same
// version with a higher revision.
func isNewer(a, b RepoEntry) bool {
	cmp := compareVersions(a.Version, b.Version)
	if cmp > 0 {
		return true
	}
	if cmp < 0 {
		return false
	}
	ar, _ := strconv.Atoi(a.Revision)
	br, _ := strconv.Atoi(b.Revision)
	return ar > br
}

// SaveRepoIndex writes the index to a JSON file.
func SaveRepoIndex(path string, index []RepoEntry) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ParseRepoIndex reads the index from JSON data. Empty data parses as an
// empty index.
func ParseRepoIndex(data []byte) ([]RepoEntry, error) {
	var index []RepoEntry
	if len(data) == 0 {
		return index, nil
	}
	err := json.Unmarshal(data, &index)
	return index, err
}
