package irex

import (
	"fmt"
	"io"
	"math/rand"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// BuildOptions carries per-invocation build settings.
type BuildOptions struct {
	Force        bool // rebuild even when the same version is installed
	Quiet        bool // suppress progress chatter
	CurrentIndex int  // position in a multi-package run, for status lines
	TotalCount   int
}

// getScriptExitCode extracts the exit code from a script(1) log file.
// script appends 'Script done ... [COMMAND_EXIT_CODE="N"]'; if the
// pattern is missing the run is assumed successful.
func getScriptExitCode(logPath string) int {
	data, err := os.ReadFile(logPath)
	if err != nil {
		debugf("Could not read script log %s, assuming exit 0: %v\n", logPath, err)
		return 0
	}
	content := string(data)
	idx := strings.LastIndex(content, "COMMAND_EXIT_CODE=\"")
	if idx == -1 {
		return 0
	}
	start := idx + len("COMMAND_EXIT_CODE=\"")
	end := strings.Index(content[start:], "\"")
	if end == -1 {
		return 0
	}
	exitCode := 0
	fmt.Sscanf(content[start:start+end], "%d", &exitCode)
	return exitCode
}

// prepareSources populates buildDir from the recipe's sources list:
// archives are extracted, git checkouts are copied in by contents, and
// everything else (patches, files/ payloads) is copied verbatim. Each
// line may carry a target subdir token and a "noextract" flag.
func prepareSources(pkgName, pkgDir, buildDir string, execCtx *Executor) error {
	srcDir := filepath.Join(SourcesDir, pkgName)

	sources, err := readSources(pkgDir)
	if err != nil {
		return err
	}

	for _, line := range sources {
		tokens := strings.Fields(line)
		if len(tokens) == 0 {
			continue
		}
		relPath := tokens[0]

		targetSubdir := ""
		noExtract := false
		for _, tok := range tokens[1:] {
			switch tok {
			case "noextract":
				noExtract = true
			default:
				if targetSubdir == "" {
					targetSubdir = tok
				}
			}
		}

		targetDir := buildDir
		if targetSubdir != "" {
			targetDir = filepath.Join(buildDir, targetSubdir)
			if err := os.MkdirAll(targetDir, 0o755); err != nil {
				return fmt.Errorf("failed to create target subdir %s: %v", targetDir, err)
			}
		}

		var srcPath string
		isGitSource := strings.HasPrefix(relPath, "git+")
		isURLSource := strings.HasPrefix(relPath, "http://") ||
			strings.HasPrefix(relPath, "https://") ||
			strings.HasPrefix(relPath, "ftp://")

		switch {
		case strings.HasPrefix(relPath, "files/"):
			srcPath = filepath.Join(pkgDir, relPath)

		case isGitSource:
			gitURL := strings.TrimPrefix(relPath, "git+")
			if i := strings.Index(gitURL, "#"); i != -1 {
				gitURL = gitURL[:i]
			}
			parsedURL, err := url.Parse(gitURL)
			if err != nil {
				return fmt.Errorf("invalid git URL in sources file: %w", err)
			}
			repoBase := strings.TrimSuffix(filepath.Base(parsedURL.Path), ".git")
			srcPath = filepath.Join(srcDir, repoBase)

			info, err := os.Stat(srcPath)
			if err != nil {
				return fmt.Errorf("git source %s listed but missing: stat %s: %v", relPath, srcPath, err)
			}
			if !info.IsDir() {
				return fmt.Errorf("git source %s exists but is not a directory: %s", relPath, srcPath)
			}

			// Copy CONTENTS of the checkout, without introducing a subdir.
			rsyncCmd := exec.Command("rsync", "-a", srcPath+"/", targetDir)
			if err := execCtx.Run(rsyncCmd); err != nil {
				return fmt.Errorf("failed to copy git source contents from %s to %s: %v", srcPath, targetDir, err)
			}
			continue

		case isURLSource:
			urlPath, err := url.Parse(relPath)
			if err != nil {
				return fmt.Errorf("invalid URL in sources file: %v", err)
			}
			srcPath = filepath.Join(srcDir, filepath.Base(urlPath.Path))

		default:
			srcPath = filepath.Join(srcDir, relPath)
		}

		info, err := os.Stat(srcPath)
		if err != nil {
			return fmt.Errorf("source %s listed but missing: stat %s: %v", relPath, srcPath, err)
		}

		if info.IsDir() {
			destPath := filepath.Join(targetDir, filepath.Base(relPath))
			if err := copyDir(srcPath, destPath); err != nil {
				return fmt.Errorf("failed to copy directory %s: %v", relPath, err)
			}
			continue
		}

		// Cached archives are symlinks into the shared store.
		realPath, err := filepath.EvalSymlinks(srcPath)
		if err != nil {
			return fmt.Errorf("failed to resolve symlink %s: %v", relPath, err)
		}

		if noExtract {
			destPath := filepath.Join(targetDir, filepath.Base(relPath))
			if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
				return fmt.Errorf("failed to create parent dir for %s: %v", destPath, err)
			}
			if err := copyFile(realPath, destPath); err != nil {
				return fmt.Errorf("failed to copy file %s: %v", relPath, err)
			}
			continue
		}

		switch {
		case strings.HasSuffix(realPath, ".tar.gz"),
			strings.HasSuffix(realPath, ".tgz"),
			strings.HasSuffix(realPath, ".tar.xz"),
			strings.HasSuffix(realPath, ".tar.bz2"),
			strings.HasSuffix(realPath, ".tar.zst"),
			strings.HasSuffix(realPath, ".tar"):
			if err := extractTar(realPath, targetDir); err != nil {
				return fmt.Errorf("failed to extract tar %s into %s: %v", relPath, targetDir, err)
			}
		case strings.HasSuffix(realPath, ".zip"):
			if unzipPath, err := exec.LookPath("unzip"); err == nil {
				cmd := exec.Command(unzipPath, "-q", "-o", realPath, "-d", targetDir)
				cmd.Stdout = os.Stdout
				cmd.Stderr = os.Stderr
				if err := cmd.Run(); err != nil {
					return fmt.Errorf("failed to unzip %s into %s: %v", relPath, targetDir, err)
				}
			} else {
				debugf("unzip command not found, using internal extractor for %s\n", relPath)
				if err := unzipGo(realPath, targetDir); err != nil {
					return fmt.Errorf("internal unzip of %s into %s failed: %v", relPath, targetDir, err)
				}
			}
		default:
			destPath := filepath.Join(targetDir, filepath.Base(relPath))
			if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
				return fmt.Errorf("failed to create parent dir for %s: %v", destPath, err)
			}
			if err := copyFile(realPath, destPath); err != nil {
				return fmt.Errorf("failed to copy file %s: %v", relPath, err)
			}
		}
	}

	return nil
}

// runBuildScript executes the recipe's own build script under script(1)
// for a PTY-backed log, falling back to plain sh when script is missing
// or cannot allocate a terminal. Returns the script error, if any, with
// the real exit code reachable underneath.
func runBuildScript(pkgName, version, buildScript, buildDir, outputDir, logPath string, env []string, shellVars string, buildExec *Executor) error {
	useScript := false
	if _, err := os.Stat("/bin/script"); err == nil {
		useScript = true
	} else {
		debugf("/bin/script not found, falling back to direct execution\n")
	}

	// The env assignments are prepended to the command string so they win
	// even if script's shell sources a profile that resets them.
	cmdStr := fmt.Sprintf("cd %s && %s%s %s %s %s",
		buildDir, shellVars, buildScript, outputDir, version, pkgName)

	var logFile *os.File
	var runErr error

	for {
		var cmd *exec.Cmd
		if useScript {
			cmd = exec.Command("script", "-q", "-f", "-c", cmdStr, logPath)
			cmd.Dir = buildDir
		} else {
			cmd = exec.Command("sh", "-c", cmdStr)
			cmd.Dir = buildDir
			if logFile != nil {
				logFile.Close()
			}
			var err error
			logFile, err = os.Create(logPath)
			if err != nil {
				return fmt.Errorf("failed to create log file: %w", err)
			}
		}

		cmd.Env = make([]string, len(env))
		copy(cmd.Env, env)
		cmd.Env = append(cmd.Env, "TERM=xterm-256color")
		cmd.Env = append(cmd.Env, "CLICOLOR_FORCE=1")

		if useScript {
			if buildExec.Interactive || Verbose || Debug {
				cmd.Stdout = os.Stdout
				cmd.Stderr = os.Stderr
				if buildExec.Interactive {
					cmd.Stdin = os.Stdin
				}
			} else {
				// script needs valid descriptors to set up its PTY even
				// when we suppress console output.
				devNull, err := os.OpenFile("/dev/null", os.O_WRONLY, 0)
				if err != nil {
					return fmt.Errorf("failed to open /dev/null: %w", err)
				}
				defer devNull.Close()
				cmd.Stdout = devNull
				cmd.Stderr = devNull
			}
		} else {
			var outputWriter io.Writer
			if buildExec.Interactive || Verbose || Debug {
				outputWriter = io.MultiWriter(os.Stdout, logFile)
				if buildExec.Interactive {
					cmd.Stdin = os.Stdin
				}
			} else {
				outputWriter = logFile
			}
			cmd.Stdout = outputWriter
			cmd.Stderr = outputWriter
		}

		runErr = nil
		if err := buildExec.Run(cmd); err != nil {
			if useScript {
				runErr = fmt.Errorf("script execution failed: %w", err)
			} else {
				runErr = fmt.Errorf("build failed: %w", err)
			}
		}

		// script itself failing (no PTY available) warrants a retry
		// without it; a build failure does not.
		if useScript && runErr != nil {
			debugf("script execution failed (%v), retrying without it\n", runErr)
			useScript = false
			continue
		}

		// script exits 0 regardless of the wrapped command, so the real
		// status lives in the log.
		if useScript && runErr == nil {
			if exitCode := getScriptExitCode(logPath); exitCode != 0 {
				runErr = fmt.Errorf("build script exited with code %d: %w",
					exitCode, &scriptExitError{code: exitCode})
			}
		}
		break
	}

	if logFile != nil {
		logFile.Close()
	}
	return runErr
}

// scriptExitError preserves an exit code recovered from a script(1) log,
// where no exec.ExitError exists to unwrap.
type scriptExitError struct {
	code int
}

func (e *scriptExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *scriptExitError) ExitCode() int { return e.code }

// pkgBuild drives a full source build: fetch + verify sources, unpack,
// run the recipe's build script (or the builtin autotools pipeline when
// the recipe has none), stage metadata, strip, generate the manifest,
// and produce the binary tarball in BinDir.
func pkgBuild(pkgName string, cfg *Config, buildExec *Executor, opts BuildOptions) error {
	startTime := time.Now()

	pkgDir, err := findRecipeDir(pkgName)
	if err != nil {
		return err
	}
	pkgVersion, pkgRevision, err := readRecipeVersion(pkgDir)
	if err != nil {
		return err
	}
	options := loadBuildOptions(pkgDir)

	if !opts.Quiet {
		colArrow.Print("-> ")
		colSuccess.Printf("Building %s %s-%s\n", pkgName, pkgVersion, pkgRevision)
	}

	// Per-build scratch space. The random suffix lets parallel builds of
	// different packages coexist under the same TMPDIR.
	base := filepath.Join(tmpDir, fmt.Sprintf("irex-%s-%02d", pkgName, rand.Intn(100)))
	buildDir := filepath.Join(base, "build")
	outputDir := filepath.Join(base, "pkg")
	logDir := filepath.Join(base, "log")
	for _, d := range []string{buildDir, outputDir, logDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("failed to create build directory %s: %v", d, err)
		}
	}
	defer func() {
		if Debug {
			debugf("Keeping build directories for inspection: %s\n", base)
			return
		}
		rmCmd := exec.Command("rm", "-rf", base)
		_ = buildExec.Run(rmCmd)
	}()

	if err := fetchSources(pkgName, pkgDir, true); err != nil {
		return fmt.Errorf("failed to fetch sources for %s: %w", pkgName, err)
	}
	if err := verifyOrCreateChecksums(pkgName, pkgDir, false, nil); err != nil {
		return fmt.Errorf("checksum verification failed for %s: %w", pkgName, err)
	}
	if err := prepareSources(pkgName, pkgDir, buildDir, buildExec); err != nil {
		return fmt.Errorf("failed to prepare sources for %s: %w", pkgName, err)
	}

	defaults := buildEnvDefaults(cfg)
	env, shellVars := mergeBuildEnv(defaults)

	logPath := filepath.Join(logDir, "build-log.txt")

	buildScript := filepath.Join(pkgDir, "build")
	hasScript := false
	if info, err := os.Stat(buildScript); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
		hasScript = true
	}

	var runErr error
	if hasScript {
		debugf("Building %s (version %s) in %s via build script, install to %s\n",
			pkgName, pkgVersion, buildDir, outputDir)
		runErr = runBuildScript(pkgName, pkgVersion, buildScript, buildDir, outputDir, logPath, env, shellVars, buildExec)
	} else {
		debugf("Building %s (version %s) in %s via builtin autotools driver, install to %s\n",
			pkgName, pkgVersion, buildDir, outputDir)
		cdeps, err := configureDeps(pkgDir)
		if err != nil {
			return fmt.Errorf("failed to read configure deps for %s: %w", pkgName, err)
		}
		steps, err := autotoolsSteps(buildDir, outputDir, cdeps, options)
		if err != nil {
			return fmt.Errorf("cannot build %s: %w", pkgName, err)
		}
		logFile, err := os.Create(logPath)
		if err != nil {
			return fmt.Errorf("failed to create log file: %w", err)
		}
		runErr = runBuildSteps(steps, buildDir, env, logFile, buildExec)
		logFile.Close()
	}

	if runErr != nil {
		colArrow.Print("-> ")
		colError.Printf("Build failed for %s: %v\n", pkgName, runErr)

		// Show the tail of the log so the failure is visible without
		// digging through TMPDIR.
		tailOnce := exec.Command("tail", "-n", "50", logPath)
		tailOnce.Stdout = os.Stdout
		tailOnce.Stderr = os.Stderr
		_ = buildExec.Run(tailOnce)
		return runErr
	}

	elapsed := time.Since(startTime).Truncate(time.Second)
	debugf("%s built successfully in %s, output in %s\n", pkgName, elapsed, outputDir)

	installedDir := filepath.Join(outputDir, strings.TrimPrefix(Installed, "/"), pkgName)
	if err := stageMetadata(pkgName, pkgDir, pkgVersion, pkgRevision, installedDir, logPath, elapsed, buildExec); err != nil {
		return err
	}

	if !options["nostrip"] {
		if err := stripPackage(outputDir, buildExec); err != nil {
			// Strip failures degrade the package, they don't break it.
			cPrintf(colWarn, "Warning: strip pass failed for %s: %v\n", pkgName, err)
		}
	} else {
		debugf("nostrip set, skipping strip pass\n")
	}

	if err := generateManifest(outputDir, installedDir, buildExec); err != nil {
		return fmt.Errorf("failed to generate manifest for %s: %w", pkgName, err)
	}

	if err := createPackageTarball(pkgName, pkgVersion, pkgRevision, arch, outputDir, buildExec, nil); err != nil {
		return fmt.Errorf("failed to create package tarball for %s: %w", pkgName, err)
	}

	if !opts.Quiet {
		colArrow.Print("-> ")
		colSuccess.Printf("Built %s %s-%s in %s\n", pkgName, pkgVersion, pkgRevision, elapsed)
	}
	return nil
}

// stageMetadata writes the installed-DB files into the staging tree:
// version, depends (runtime deps only), a copy of the build script when
// one exists, the xz-compressed build log, and the build duration.
func stageMetadata(pkgName, pkgDir, pkgVersion, pkgRevision, installedDir, logPath string, elapsed time.Duration, execCtx *Executor) error {
	mkdirCmd := exec.Command("mkdir", "-p", installedDir)
	if err := execCtx.Run(mkdirCmd); err != nil {
		return fmt.Errorf("failed to create installed dir: %v", err)
	}

	writeStaged := func(name, content string) error {
		tmp, err := os.CreateTemp("", "irex-meta-*")
		if err != nil {
			return err
		}
		tmpPath := tmp.Name()
		defer os.Remove(tmpPath)
		if _, err := tmp.WriteString(content); err != nil {
			tmp.Close()
			return err
		}
		tmp.Close()
		if err := os.Chmod(tmpPath, 0o644); err != nil {
			return err
		}
		cpCmd := exec.Command("cp", "--remove-destination", tmpPath, filepath.Join(installedDir, name))
		return execCtx.Run(cpCmd)
	}

	if err := writeStaged("version", fmt.Sprintf("%s %s\n", pkgVersion, pkgRevision)); err != nil {
		return fmt.Errorf("failed to stage version file: %v", err)
	}

	deps, err := parseDependsFile(pkgDir)
	if err != nil {
		return fmt.Errorf("failed to read depends for staging: %v", err)
	}
	rdeps := runtimeDeps(deps)
	if len(rdeps) > 0 {
		var b strings.Builder
		for _, d := range rdeps {
			b.WriteString(d)
			b.WriteString("\n")
		}
		if err := writeStaged("depends", b.String()); err != nil {
			return fmt.Errorf("failed to stage depends file: %v", err)
		}
	}

	buildScript := filepath.Join(pkgDir, "build")
	if data, err := os.ReadFile(buildScript); err == nil {
		if err := writeStaged("build", string(data)); err != nil {
			return fmt.Errorf("failed to stage build script: %v", err)
		}
	}

	if err := writeStaged("buildtime", fmt.Sprintf("%d\n", int64(elapsed.Seconds()))); err != nil {
		return fmt.Errorf("failed to stage buildtime: %v", err)
	}

	if _, err := os.Stat(logPath); err == nil {
		if err := compressXZ(logPath, filepath.Join(installedDir, "log.xz"), execCtx); err != nil {
			// Log compression failure is not fatal to the build.
			debugf("failed to compress build log: %v\n", err)
		}
	}

	return nil
}

// buildPackages resolves the dependency order for the requested targets
// and builds each in sequence, prefetching sources for the rest of the
// queue in the background.
func buildPackages(targets []string, cfg *Config, buildExec *Executor, force bool) error {
	requested := make(map[string]bool, len(targets))
	for _, t := range targets {
		requested[t] = true
	}

	order, err := resolveBuildOrder(targets, requested, force)
	if err != nil {
		return err
	}
	if len(order) == 0 {
		colArrow.Print("-> ")
		colSuccess.Println("Nothing to build: all targets are up to date")
		return nil
	}

	if len(order) > 1 {
		colArrow.Print("-> ")
		colSuccess.Printf("Build order: %s\n", strings.Join(order, " "))
		go prefetchSources(order[1:])
	}

	for i, pkgName := range order {
		opts := BuildOptions{
			Force:        force,
			CurrentIndex: i + 1,
			TotalCount:   len(order),
		}
		if err := pkgBuild(pkgName, cfg, buildExec, opts); err != nil {
			return err
		}

		// Every built package lands in the prefix immediately so its
		// dependents can configure against it.
		pkgVer, pkgRev, err := readRecipeVersionByName(pkgName)
		if err != nil {
			return err
		}
		tarball := filepath.Join(BinDir, StandardizeRemoteName(pkgName, pkgVer, pkgRev, arch))
		if err := pkgInstall(pkgName, tarball, buildExec); err != nil {
			return fmt.Errorf("failed to install %s after build: %w", pkgName, err)
		}
	}
	return nil
}

// readRecipeVersionByName resolves the recipe dir first.
func readRecipeVersionByName(pkgName string) (string, string, error) {
	pkgDir, err := findRecipeDir(pkgName)
	if err != nil {
		return "", "", err
	}
	return readRecipeVersion(pkgDir)
}
