package irex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
)

// printHelp prints the commands table.
func printHelp() {
	colSuccess.Println("Usage: irex <command> [arguments]")
	colSuccess.Println("Run 'irex <command>' for advanced options")
	fmt.Println()
	color.Info.Println("Available Commands:")

	type cmdInfo struct {
		Cmd  string
		Args string
		Desc string
	}
	cmds := []cmdInfo{
		{"version, --version", "", "Version information"},
		{"build, b", "[-f] <pkg>...", "Build package(s) and install them into PREFIX"},
		{"install, i", "<pkg>...", "Install pre-built package(s)"},
		{"uninstall, r", "[-y] <pkg>...", "Uninstall package(s)"},
		{"checksum, c", "[-f] <pkg>", "Fetch sources and generate checksum file"},
		{"list, ls", "[pkg]", "List installed packages, optionally filter by name"},
		{"manifest, m", "<pkg>", "Show the file list for an installed package"},
		{"find, f", "<query>", "Find which package owns a path matching query"},
		{"depends", "<pkg>", "Show package dependencies"},
		{"log", "<pkg>", "Show the stored build log for a package"},
		{"new, n", "<pkg>", "Create a new recipe skeleton"},
		{"upload", "[--cleanup]", "Upload local binaries to the mirror and update index"},
		{"cleanup", "[options]", "Cleanup caches"},
	}

	maxLen := 0
	for _, c := range cmds {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++
		}
		if length > maxLen {
			maxLen = length
		}
	}
	columnWidth := maxLen + 4

	for _, c := range cmds {
		var usageString string
		if c.Args != "" {
			usageString = fmt.Sprintf("  %s %s", c.Cmd, c.Args)
		} else {
			usageString = fmt.Sprintf("  %s", c.Cmd)
		}

		fmt.Print("  ")
		color.Bold.Print(c.Cmd)
		if c.Args != "" {
			fmt.Print(" ")
			color.Cyan.Print(c.Args)
		}

		pad := columnWidth - len(usageString)
		if pad < 1 {
			pad = 1
		}
		fmt.Print(strings.Repeat(" ", pad))
		color.Info.Println(c.Desc)
	}
	fmt.Println()
}

// parseFlagsAndTargets splits leading dash-arguments from package names.
func parseFlagsAndTargets(args []string) (flags map[string]bool, targets []string) {
	flags = make(map[string]bool)
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			flags[strings.TrimLeft(a, "-")] = true
		} else {
			targets = append(targets, a)
		}
	}
	return flags, targets
}

// watchSignals turns SIGINT/SIGTERM into a graceful cancellation and
// escalates to a hard exit on a second interrupt or when the grace period
// runs out. During the critical install window the first signal is only a
// warning. An interrupted run always exits 130, never 0.
func watchSignals(ctx context.Context, cancel context.CancelFunc, sigs <-chan os.Signal, exit func(int)) {
	for {
		select {
		case sig := <-sigs:
			if isCriticalAtomic.Load() == 1 {
				// Critical phase: swallow the first signal, force
				// exit only on a second one.
				colArrow.Print("\n-> ")
				colError.Printf("Critical operation in progress (install). Press Ctrl+C AGAIN to force exit NOW.\n")
				select {
				case <-sigs:
					colArrow.Print("\n-> ")
					colError.Printf("Forced immediate exit.")
					exit(130)
					return
				case <-time.After(5 * time.Second):
					continue
				case <-ctx.Done():
					return
				}
			} else {
				colArrow.Print("\n-> ")
				color.Danger.Printf("Received %v. Cancelling process gracefully\n", sig)
				cancel()
				time.Sleep(100 * time.Millisecond)
				select {
				case <-sigs:
					colArrow.Print("\n-> ")
					color.Danger.Printf("Second interrupt received. Forcing immediate exit.")
				case <-time.After(2 * time.Second):
					colArrow.Print("\n-> ")
					color.Danger.Printf("Graceful shutdown timeout. Exiting.")
				}
				exit(130)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Main is the CLI entrypoint for cmd/irex.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go watchSignals(ctx, cancel, sigs, os.Exit)

	if ctx.Err() != nil {
		return
	}

	if len(os.Args) < 2 {
		printHelp()
		return
	}

	command := os.Args[1]

	switch command {
	case "version", "--version", "-v":
		fmt.Printf("irex %s (%s, built %s)\n", version, arch, buildDate)
		return
	case "help", "--help", "-h":
		printHelp()
		return
	}

	cfg, err := loadConfig(ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to read %s: %v\n", ConfigFile, err)
	}
	if err := initConfig(cfg); err != nil {
		colArrow.Print("-> ")
		colError.Println(err)
		os.Exit(1)
	}

	UserExec = &Executor{
		Context:         ctx,
		ShouldRunAsRoot: false,
	}
	RootExec = &Executor{
		Context:         ctx,
		ShouldRunAsRoot: true,
	}

	var cmdErr error

	switch command {
	case "build", "b":
		flags, targets := parseFlagsAndTargets(os.Args[2:])
		if len(targets) == 0 {
			cmdErr = fmt.Errorf("build: no packages given")
			break
		}
		buildExec := executorForPrefix()
		cmdErr = buildPackages(targets, cfg, buildExec, flags["f"] || flags["force"])

	case "install", "i":
		_, targets := parseFlagsAndTargets(os.Args[2:])
		if len(targets) == 0 {
			cmdErr = fmt.Errorf("install: no packages given")
			break
		}
		installExec := executorForPrefix()
		for _, pkgName := range targets {
			if strings.HasSuffix(pkgName, ".tar.zst") {
				name, _, _, _, err := ParseRemoteName(pkgName)
				if err != nil {
					cmdErr = err
					break
				}
				cmdErr = pkgInstall(name, pkgName, installExec)
			} else {
				cmdErr = installFromRecipe(pkgName, cfg, installExec)
			}
			if cmdErr != nil {
				break
			}
		}

	case "uninstall", "r", "remove":
		flags, targets := parseFlagsAndTargets(os.Args[2:])
		if len(targets) == 0 {
			cmdErr = fmt.Errorf("uninstall: no packages given")
			break
		}
		uninstallExec := executorForPrefix()
		for _, pkgName := range targets {
			if cmdErr = pkgUninstall(pkgName, uninstallExec, flags["y"] || flags["yes"]); cmdErr != nil {
				break
			}
		}

	case "checksum", "c":
		flags, targets := parseFlagsAndTargets(os.Args[2:])
		if len(targets) == 0 {
			cmdErr = fmt.Errorf("checksum: no packages given")
			break
		}
		for _, pkgName := range targets {
			if cmdErr = irexChecksum(pkgName, flags["f"] || flags["force"]); cmdErr != nil {
				break
			}
		}

	case "list", "ls":
		searchTerm := ""
		if len(os.Args) >= 3 {
			searchTerm = os.Args[2]
		}
		cmdErr = listPackages(searchTerm)
		if errors.Is(cmdErr, errPackageNotFound) {
			// Already reported; exit nonzero without a second message.
			os.Exit(1)
		}

	case "manifest", "m":
		if len(os.Args) < 3 {
			cmdErr = fmt.Errorf("manifest: package name required")
			break
		}
		cmdErr = showManifest(os.Args[2])

	case "find", "f":
		if len(os.Args) < 3 {
			cmdErr = fmt.Errorf("find: search query required")
			break
		}
		cmdErr = findPackagesByManifestString(os.Args[2])

	case "depends":
		if len(os.Args) < 3 {
			cmdErr = fmt.Errorf("depends: package name required")
			break
		}
		cmdErr = showDepends(os.Args[2])

	case "log":
		if len(os.Args) < 3 {
			cmdErr = fmt.Errorf("log: package name required")
			break
		}
		cmdErr = showBuildLog(os.Args[2])

	case "new", "n":
		if len(os.Args) < 3 {
			cmdErr = fmt.Errorf("new: package name required")
			break
		}
		targetDir := ""
		if len(os.Args) >= 4 {
			targetDir = os.Args[3]
		}
		cmdErr = createRecipeSkeleton(os.Args[2], targetDir)

	case "upload":
		cmdErr = handleUploadCommand(os.Args[2:], cfg)

	case "cleanup":
		cmdErr = handleCleanupCommand(os.Args[2:])

	default:
		colArrow.Print("-> ")
		colError.Printf("Unknown command: %s\n", command)
		printHelp()
		os.Exit(1)
	}

	if cmdErr != nil {
		colArrow.Print("-> ")
		colError.Println(cmdErr)
		os.Exit(exitStatus(cmdErr))
	}
}
