package irex

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// buildStep is one fail-fast stage of the builtin autotools pipeline.
type buildStep struct {
	name string
	argv []string
}

// hasAutoconfInput reports whether the unpacked source tree carries
// autoconf input files that autoreconf can regenerate from.
func hasAutoconfInput(srcDir string) bool {
	for _, f := range []string{"configure.ac", "configure.in"} {
		if _, err := os.Stat(filepath.Join(srcDir, f)); err == nil {
			return true
		}
	}
	return false
}

// hasConfigureScript reports whether srcDir already ships a generated
// configure script.
func hasConfigureScript(srcDir string) bool {
	info, err := os.Stat(filepath.Join(srcDir, "configure"))
	return err == nil && !info.IsDir() && info.Mode()&0o111 != 0
}

// autotoolsSteps assembles the builtin pipeline for a recipe without a
// build script:
//
//	autoreconf -fi                                (when autoconf inputs exist)
//	./configure --prefix=$PREFIX --with-<dep>...  CPPFLAGS/LDFLAGS as args
//	make
//	make prefix=$PREFIX DESTDIR=<outputDir> install
//
// CPPFLAGS and LDFLAGS are passed on the configure command line, not only
// in the environment, so they survive config.status re-runs.
func autotoolsSteps(srcDir, outputDir string, configureDeps []string, options map[string]bool) ([]buildStep, error) {
	var steps []buildStep

	if hasAutoconfInput(srcDir) && !options["noautoreconf"] {
		steps = append(steps, buildStep{
			name: "autoreconf",
			argv: []string{"autoreconf", "-fi"},
		})
	} else if !hasConfigureScript(srcDir) {
		return nil, fmt.Errorf("no configure script or autoconf input in %s", srcDir)
	}

	configureArgs := []string{"--prefix=" + prefix}
	for _, dep := range configureDeps {
		configureArgs = append(configureArgs, "--with-"+dep)
	}
	configureArgs = append(configureArgs,
		"CPPFLAGS=-I"+filepath.Join(prefix, "include"),
		"LDFLAGS=-L"+filepath.Join(prefix, "lib"),
	)
	steps = append(steps, buildStep{
		name: "configure",
		argv: append([]string{"./configure"}, configureArgs...),
	})

	steps = append(steps, buildStep{
		name: "make",
		argv: []string{"make"},
	})

	steps = append(steps, buildStep{
		name: "make install",
		argv: []string{"make", "prefix=" + prefix, "DESTDIR=" + outputDir, "install"},
	})

	return steps, nil
}

// runBuildSteps executes the pipeline in srcDir, stopping at the first
// failing step. The step name is wrapped around the error while keeping
// the underlying exec.ExitError reachable for exit-code propagation.
func runBuildSteps(steps []buildStep, srcDir string, env []string, logWriter io.Writer, buildExec *Executor) error {
	for _, step := range steps {
		colArrow.Print("-> ")
		colSuccess.Printf("Running %s\n", step.name)
		if _, err := fmt.Fprintf(logWriter, "+ %s\n", strings.Join(step.argv, " ")); err != nil {
			return fmt.Errorf("failed to write build log: %w", err)
		}

		cmd := exec.Command(step.argv[0], step.argv[1:]...)
		cmd.Dir = srcDir
		cmd.Env = env
		if Verbose || Debug {
			cmd.Stdout = io.MultiWriter(os.Stdout, logWriter)
			cmd.Stderr = io.MultiWriter(os.Stderr, logWriter)
		} else {
			cmd.Stdout = logWriter
			cmd.Stderr = logWriter
		}

		if err := buildExec.Run(cmd); err != nil {
			return fmt.Errorf("%s failed: %w", step.name, err)
		}
	}
	return nil
}

// buildEnvDefaults returns the environment every build step sees. The
// prefix bin directory leads PATH so freshly installed tools win, and
// pkg-config resolves against the prefix before the system dirs.
func buildEnvDefaults(cfg *Config) map[string]string {
	defaults := map[string]string{
		"CPPFLAGS": "-I" + filepath.Join(prefix, "include"),
		"LDFLAGS":  "-L" + filepath.Join(prefix, "lib"),
	}

	makeflags := cfg.Values["IREX_MAKEFLAGS"]
	if makeflags == "" {
		makeflags = fmt.Sprintf("-j%d", runtime.NumCPU())
	}
	defaults["MAKEFLAGS"] = makeflags

	currentPath := os.Getenv("PATH")
	if currentPath == "" {
		currentPath = "/usr/bin:/bin"
	}
	defaults["PATH"] = filepath.Join(prefix, "bin") + ":" + currentPath

	pkgConfig := filepath.Join(prefix, "lib", "pkgconfig") + ":" + filepath.Join(prefix, "share", "pkgconfig")
	if existing := os.Getenv("PKG_CONFIG_PATH"); existing != "" {
		pkgConfig += ":" + existing
	}
	defaults["PKG_CONFIG_PATH"] = pkgConfig

	if aclocal := filepath.Join(prefix, "share", "aclocal"); dirExists(aclocal) {
		defaults["ACLOCAL_PATH"] = aclocal
	}

	return defaults
}

// mergeBuildEnv flattens defaults over os.Environ and also renders them
// as a shell-quoted KEY='VALUE' string for prepending to script commands.
// Deterministic key order keeps logs diffable across runs.
func mergeBuildEnv(defaults map[string]string) (env []string, shellVars string) {
	env = os.Environ()

	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := defaults[k]
		if k == "PATH" {
			filtered := env[:0]
			for _, e := range env {
				if !strings.HasPrefix(e, "PATH=") {
					filtered = append(filtered, e)
				}
			}
			env = filtered
		}
		env = append(env, fmt.Sprintf("%s=%s", k, v))
		vEscaped := strings.ReplaceAll(v, "'", `'\''`)
		b.WriteString(fmt.Sprintf("%s='%s' ", k, vEscaped))
	}
	return env, b.String()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
