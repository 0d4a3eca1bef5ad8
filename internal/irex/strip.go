package irex

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
)

// stripPackage strips debug symbols from every ELF file in the staged
// output tree. Individual failures are warnings only; a library that
// cannot be stripped still ships.
func stripPackage(outputDir string, buildExec *Executor) error {
	colArrow.Print("-> ")
	colSuccess.Println("Stripping executables in parallel")

	maxConcurrency := runtime.GOMAXPROCS(0) * 4
	if maxConcurrency < 8 {
		maxConcurrency = 8
	}
	concurrencyLimit := make(chan struct{}, maxConcurrency)

	// Discovery runs through the shell so file(1) can filter for ELF
	// before anything reaches strip.
	shellCommand := fmt.Sprintf(
		"find %s -type f \\( -perm /u+x -o -perm /g+x -o -perm /o+x \\) -exec sh -c 'file -0 {} 2>/dev/null | grep -q ELF && printf \"%%s\\n\" {}' \\;",
		outputDir,
	)

	var findOutput bytes.Buffer
	findCmd := exec.Command("sh", "-c", shellCommand)
	findCmd.Stdout = &findOutput
	if !Verbose && !Debug {
		findCmd.Stderr = io.Discard
	} else {
		findCmd.Stderr = os.Stderr
	}

	debugf("  -> Discovering stripable ELF files\n")
	if err := buildExec.Run(findCmd); err != nil {
		return fmt.Errorf("failed to execute file discovery command (find/file filter): %w", err)
	}

	pathsRaw := strings.TrimSpace(findOutput.String())
	if pathsRaw == "" {
		debugf("-> No stripable ELF files found.\n")
		return nil
	}
	paths := strings.Split(pathsRaw, "\n")

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failedFiles []string

	for _, path := range paths {
		if path == "" {
			continue
		}

		wg.Add(1)
		concurrencyLimit <- struct{}{}

		go func(p string) {
			defer wg.Done()
			defer func() { <-concurrencyLimit }()

			var stderrWriter io.Writer = os.Stderr
			if !Debug && !Verbose {
				stderrWriter = io.Discard
			}

			// Save permissions so read-only binaries can be restored
			// after the temporary u+w needed for strip.
			statCmd := exec.Command("sh", "-c", fmt.Sprintf("stat -c %%a %q", p))
			var permOut bytes.Buffer
			statCmd.Stdout = &permOut
			statCmd.Stderr = stderrWriter

			if err := buildExec.Run(statCmd); err != nil {
				debugf("Warning: failed to stat permissions for %s: %v. Skipping this file.\n", p, err)
				failedMu.Lock()
				failedFiles = append(failedFiles, p)
				failedMu.Unlock()
				return
			}
			originalPerms := strings.TrimSpace(permOut.String())
			if originalPerms == "" {
				debugf("Warning: empty perms from stat for %s. Skipping this file.\n", p)
				failedMu.Lock()
				failedFiles = append(failedFiles, p)
				failedMu.Unlock()
				return
			}

			defer func() {
				restoreCmd := exec.Command("chmod", originalPerms, p)
				restoreCmd.Stderr = stderrWriter
				if err := buildExec.Run(restoreCmd); err != nil {
					debugf("Warning: failed to restore permissions on %s to %s: %v\n", p, originalPerms, err)
				}
			}()

			chmodWriteCmd := exec.Command("chmod", "u+w", p)
			chmodWriteCmd.Stderr = stderrWriter
			if err := buildExec.Run(chmodWriteCmd); err != nil {
				debugf("Warning: failed to chmod +w %s: %v. Skipping strip for this file.\n", p, err)
				failedMu.Lock()
				failedFiles = append(failedFiles, p)
				failedMu.Unlock()
				return
			}

			debugf("  -> Stripping %s\n", p)
			stripCmd := exec.Command("strip", p)
			stripCmd.Stderr = stderrWriter
			if err := buildExec.Run(stripCmd); err != nil {
				debugf("Warning: failed to strip %s: %v. Continuing with other files.\n", p, err)
				failedMu.Lock()
				failedFiles = append(failedFiles, p)
				failedMu.Unlock()
				return
			}
		}(path)
	}

	wg.Wait()

	if len(failedFiles) > 0 {
		debugf("Warning: some files failed to be stripped (%d). Continuing.\n", len(failedFiles))
	}

	return nil
}
