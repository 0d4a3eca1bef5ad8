package irex

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"
)

func newHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Some upstream hosts are slow to complete the handshake; the default
	// 10s cuts them off.
	transport.TLSHandshakeTimeout = 30 * time.Second
	return &http.Client{
		Transport: transport,
		Timeout:   300 * time.Second,
	}
}

type downloadOptions struct {
	Quiet bool // Quiet suppresses all stdout/stderr/progress output
}

// tryRemoveCachedFile removes a stale cache entry, but only if no other
// process holds its download lock.
func tryRemoveCachedFile(path string) {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		_ = os.Remove(path)
		return
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		// Someone is downloading or verifying the file; skip cleanup.
		return
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	_ = os.Remove(path)
	_ = os.Remove(lockPath)
}

func downloadFile(originalURL, finalURL, destFile string) error {
	return downloadFileWithOptions(originalURL, finalURL, destFile, downloadOptions{Quiet: false})
}

func downloadFileQuiet(originalURL, finalURL, destFile string) error {
	return downloadFileWithOptions(originalURL, finalURL, destFile, downloadOptions{Quiet: true})
}

// downloadFileWithOptions fetches finalURL into destFile under an
// exclusive flock, so the background prefetcher and the main builder never
// clobber each other. curl is preferred, wget next, native HTTP last.
func downloadFileWithOptions(originalURL, finalURL, destFile string, opt downloadOptions) error {
	// If the source mirror is being used, print the info message exactly once.
	if !opt.Quiet && originalURL != finalURL {
		sourceMirrorMessageOnce.Do(func() {
			colArrow.Print("-> ")
			colSuccess.Printf("Using source mirror: %s\n", sourceMirrorURL)
		})
	}

	var absPath string
	if filepath.IsAbs(destFile) {
		absPath = destFile
	} else {
		if err := os.MkdirAll(CacheStore, 0o755); err != nil {
			return fmt.Errorf("failed to create cache directory %s: %w", CacheStore, err)
		}
		absPath = filepath.Join(CacheStore, filepath.Base(destFile))
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", absPath, err)
	}
	lockPath := absPath + ".lock"

	lFile, err := os.Create(lockPath)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer lFile.Close()

	// Blocks while another goroutine or process downloads the same file.
	if err := unix.Flock(int(lFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock for download: %w", err)
	}
	defer unix.Flock(int(lFile.Fd()), unix.LOCK_UN)

	// The prefetcher may have finished this file while we waited.
	if _, err := os.Stat(absPath); err == nil {
		debugf("File %s appeared after acquiring lock, skipping download.\n", absPath)
		_ = os.Remove(lockPath)
		return nil
	}

	defer func() {
		if _, err := os.Stat(absPath); err == nil {
			_ = os.Remove(lockPath)
		}
	}()

	debugf("Downloading %s -> %s\n", finalURL, absPath)

	// --- Primary choice: curl ---
	if _, err := exec.LookPath("curl"); err == nil {
		curlArgs := []string{"-L", "--fail", "-o", absPath}
		if opt.Quiet {
			curlArgs = append(curlArgs, "-sS")
		} else {
			curlArgs = append(curlArgs, "-#")
		}
		curlArgs = append(curlArgs, finalURL)
		cmd := exec.Command("curl", curlArgs...)
		if opt.Quiet {
			cmd.Stdout = io.Discard
			cmd.Stderr = io.Discard
		} else {
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
		}
		if err := cmd.Run(); err == nil {
			debugf("Download successful with curl.\n")
			return nil
		}
		debugf("curl failed, falling back to wget\n")
	} else {
		debugf("curl not found, trying wget\n")
	}

	// --- Fallback 1: wget ---
	if _, err := exec.LookPath("wget"); err == nil {
		args := []string{"-O", absPath}
		if opt.Quiet {
			args = append([]string{"-q"}, args...)
		} else {
			args = append([]string{"-nv"}, args...)
		}
		args = append(args, finalURL)
		cmd := exec.Command("wget", args...)
		if opt.Quiet {
			cmd.Stdout = io.Discard
			cmd.Stderr = io.Discard
		} else {
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
		}
		if err := cmd.Run(); err == nil {
			debugf("Download successful with wget.\n")
			return nil
		}
		debugf("wget failed, falling back to native Go HTTP client\n")
	} else {
		debugf("wget not found, using native Go HTTP client\n")
	}

	// --- Fallback 2: native HTTP client with progress bar ---
	return downloadFileNative(finalURL, absPath, opt.Quiet)
}

func downloadFileNative(url, absPath string, quiet bool) error {
	client := newHTTPClient()

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("native http get failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %s", resp.Status)
	}

	out, err := os.Create(absPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", absPath, err)
	}
	defer out.Close()

	if quiet {
		if _, err := io.Copy(out, resp.Body); err != nil {
			return fmt.Errorf("failed to write to destination file: %w", err)
		}
	} else {
		bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(absPath))
		if _, err := io.Copy(io.MultiWriter(out, bar), resp.Body); err != nil {
			return fmt.Errorf("failed to write to destination file: %w", err)
		}
	}

	debugf("Download successful with native Go HTTP client.\n")
	return nil
}

// applySourceMirror rewrites a source URL to fetch from the configured
// mirror instead of the upstream host. The mirror is expected to serve
// files flat by basename.
func applySourceMirror(originalURL string) string {
	if sourceMirrorURL == "" {
		return originalURL
	}
	return sourceMirrorURL + "/" + filepath.Base(originalURL)
}

// prefetchSources downloads sources for upcoming builds in the background.
// A semaphore keeps at most 10 downloads in flight.
func prefetchSources(pkgNames []string) {
	if len(pkgNames) == 0 {
		return
	}

	concurrencyLimit := 10
	debugf("Starting background prefetch for %d packages (concurrency: %d)...\n", len(pkgNames), concurrencyLimit)

	sem := make(chan struct{}, concurrencyLimit)
	var wg sync.WaitGroup

	for _, pkgName := range pkgNames {
		sem <- struct{}{}
		wg.Add(1)

		go func(name string) {
			defer wg.Done()
			defer func() { <-sem }()

			pkgDir, err := findRecipeDir(name)
			if err != nil {
				return
			}
			// Files are flock'd, so overlap with the main thread is safe.
			if err := fetchSourcesQuiet(name, pkgDir, true); err != nil {
				debugf("Background prefetch failed for %s: %v\n", name, err)
			}
		}(pkgName)
	}

	wg.Wait()
	debugf("Background prefetch completed.\n")
}

// Fetch sources (HTTP/FTP + Git)

func fetchSources(pkgName, pkgDir string, processGit bool) error {
	return fetchSourcesWithOptions(pkgName, pkgDir, processGit, false)
}

// fetchSourcesQuiet is used by background prefetch to avoid corrupting CLI output.
func fetchSourcesQuiet(pkgName, pkgDir string, processGit bool) error {
	return fetchSourcesWithOptions(pkgName, pkgDir, processGit, true)
}

func fetchSourcesWithOptions(pkgName, pkgDir string, processGit bool, quiet bool) error {
	sources, err := readSources(pkgDir)
	if err != nil {
		return err
	}

	// The cache key mixes in the recipe version so static URLs (like
	// .../latest.tar.gz) are re-fetched when the recipe is bumped.
	pkgVersion, _, err := readRecipeVersion(pkgDir)
	if err != nil {
		return fmt.Errorf("could not read version file for cache hashing: %v", err)
	}

	pkgLinkDir := filepath.Join(SourcesDir, pkgName)
	if err := os.MkdirAll(pkgLinkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create pkg source dir: %v", err)
	}
	if err := os.MkdirAll(CacheStore, 0o755); err != nil {
		return fmt.Errorf("failed to create _cache dir: %v", err)
	}

	for _, rawSourceURL := range sources {
		// Local files shipped inside the recipe dir need no fetching.
		if strings.HasPrefix(rawSourceURL, "files/") {
			debugf("Skipping local source file: %s\n", rawSourceURL)
			continue
		}

		if strings.HasPrefix(rawSourceURL, "git+") {
			if !processGit {
				debugf("Skipping git repository for this operation: %s\n", rawSourceURL)
				continue
			}
			if err := fetchGitSource(rawSourceURL, pkgLinkDir, quiet); err != nil {
				return err
			}
			continue
		}

		if err := fetchHTTPSource(rawSourceURL, pkgVersion, pkgLinkDir, quiet); err != nil {
			return err
		}
	}

	return nil
}

// fetchGitSource clones (or updates) a git+URL#ref source into the
// package's source dir.
func fetchGitSource(rawSourceURL, pkgLinkDir string, quiet bool) error {
	gitURL := strings.TrimPrefix(rawSourceURL, "git+")
	ref := ""
	if strings.Contains(gitURL, "#") {
		subParts := strings.SplitN(gitURL, "#", 2)
		gitURL = subParts[0]
		ref = subParts[1]
	}
	parts := strings.Split(strings.TrimSuffix(gitURL, ".git"), "/")
	repoName := parts[len(parts)-1]
	destPath := filepath.Join(pkgLinkDir, repoName)

	runGit := func(args ...string) error {
		cmd := exec.Command("git", args...)
		if quiet && !Debug {
			cmd.Stdout = io.Discard
			cmd.Stderr = io.Discard
		} else {
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
		}
		return cmd.Run()
	}

	if _, err := os.Stat(destPath); os.IsNotExist(err) {
		if !quiet {
			cPrintf(colInfo, "Cloning git repository %s into %s\n", gitURL, destPath)
		}
		if err := runGit("clone", gitURL, destPath); err != nil {
			return fmt.Errorf("git clone failed: %v", err)
		}
	} else if ref == "" {
		_ = runGit("-C", destPath, "pull")
	}

	_ = exec.Command("git", "-C", destPath, "config", "advice.detachedHead", "false").Run()
	if ref != "" {
		if err := runGit("-C", destPath, "checkout", ref); err == nil {
			_ = runGit("-C", destPath, "pull")
		}
	}

	if !quiet {
		cPrintf(colInfo, "Git repository ready: %s\n", destPath)
	}
	return nil
}

// fetchHTTPSource downloads one URL into the shared cache and symlinks it
// into the package's source dir.
func fetchHTTPSource(originalURL, pkgVersion, pkgLinkDir string, quiet bool) error {
	substitutedURL := applySourceMirror(originalURL)

	origFilename := filepath.Base(originalURL)
	hashName := fmt.Sprintf("%s-%s", hashString(originalURL+pkgVersion), origFilename)
	cachePath := filepath.Join(CacheStore, hashName)

	// Drop entries with a stale hash so only the current one remains.
	globPattern := filepath.Join(CacheStore, "*-"+origFilename)
	if matches, err := filepath.Glob(globPattern); err == nil {
		for _, match := range matches {
			if match != cachePath {
				debugf("Removing obsolete cached file: %s\n", match)
				tryRemoveCachedFile(match)
			}
		}
	}

	if _, err := os.Stat(cachePath); os.IsNotExist(err) {
		if !quiet {
			colArrow.Print("-> ")
			colSuccess.Printf("Fetching source: %s\n", origFilename)
		}
		downloader := downloadFile
		if quiet {
			downloader = downloadFileQuiet
		}
		if err := downloader(originalURL, substitutedURL, cachePath); err != nil {
			return fmt.Errorf("failed to download %s: %v", substitutedURL, err)
		}
	} else {
		debugf("Already in cache: %s\n", cachePath)
	}

	linkPath := filepath.Join(pkgLinkDir, origFilename)

	// Atomic symlink replace so prefetcher and main thread can overlap.
	tmpLinkPath := fmt.Sprintf("%s.tmp.%d", linkPath, time.Now().UnixNano())
	if err := os.Symlink(cachePath, tmpLinkPath); err != nil {
		return fmt.Errorf("failed to create temp symlink: %v", err)
	}
	if err := os.Rename(tmpLinkPath, linkPath); err != nil {
		os.Remove(tmpLinkPath)
		return fmt.Errorf("failed to symlink %s -> %s: %v", cachePath, linkPath, err)
	}

	debugf("Linked %s -> %s\n", linkPath, cachePath)
	return nil
}

// fetchBinaryPackage downloads a prebuilt package tarball from the
// configured mirror into BinDir.
func fetchBinaryPackage(pkgName, version, revision string, mirrorBaseURL string) error {
	if mirrorBaseURL == "" {
		return fmt.Errorf("no IREX_MIRROR configured")
	}

	filename := StandardizeRemoteName(pkgName, version, revision, arch)
	url := fmt.Sprintf("%s/%s", mirrorBaseURL, filename)
	destPath := filepath.Join(BinDir, filename)

	colArrow.Print("-> ")
	colSuccess.Printf("Checking mirror for binary: %s\n", filename)

	// Quiet download: a 404 here just means we build from source.
	if err := downloadFileQuiet(url, url, destPath); err != nil {
		os.Remove(destPath)
		return err
	}
	return nil
}
