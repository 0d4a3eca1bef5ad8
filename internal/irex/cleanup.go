package irex

import (
	"flag"
	"fmt"
	"os/exec"
)

// handleCleanupCommand removes cached sources and built binary packages.
func handleCleanupCommand(args []string) error {
	cleanupCmd := flag.NewFlagSet("cleanup", flag.ExitOnError)
	cleanSources := cleanupCmd.Bool("sources", false, "Remove all cached source files.")
	cleanBins := cleanupCmd.Bool("bins", false, "Remove all built binary packages.")
	cleanAll := cleanupCmd.Bool("all", false, "Remove sources and binaries.")

	if err := cleanupCmd.Parse(args); err != nil {
		return err
	}

	if !*cleanSources && !*cleanBins && !*cleanAll {
		fmt.Println("Usage: irex cleanup [flag]")
		fmt.Println("You must specify what to clean up. Use one of the following flags:")
		cleanupCmd.PrintDefaults()
		return nil
	}

	if *cleanAll {
		*cleanSources = true
		*cleanBins = true
	}

	if *cleanSources {
		colArrow.Print("-> ")
		cPrintf(colWarn, "Deleting sources cache at %s.\n", SourcesDir)
		if askForConfirmation("Are you sure you want to proceed?") {
			debugf("Removing source cache directory: %s\n", SourcesDir)
			rmCmd := exec.Command("rm", "-rf", SourcesDir)
			if err := RootExec.Run(rmCmd); err != nil {
				return fmt.Errorf("failed to remove source cache: %w", err)
			}
			colArrow.Print("-> ")
			colSuccess.Println("Source cache removed successfully.")
		} else {
			colArrow.Print("-> ")
			colSuccess.Println("Cleanup of source cache canceled.")
		}
	}

	if *cleanBins {
		cPrintf(colWarn, "This will permanently delete all built binary packages at %s.\n", BinDir)
		if askForConfirmation("Are you sure you want to proceed?") {
			debugf("Removing binary cache directory: %s\n", BinDir)
			rmCmd := exec.Command("rm", "-rf", BinDir)
			if err := RootExec.Run(rmCmd); err != nil {
				return fmt.Errorf("failed to remove binary cache: %w", err)
			}
			colArrow.Print("-> ")
			colSuccess.Println("Binary cache removed successfully.")
		} else {
			colArrow.Print("-> ")
			colSuccess.Println("Cleanup of binary cache canceled.")
		}
	}

	return nil
}
