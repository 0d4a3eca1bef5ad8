package irex

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Executor provides a consistent interface for executing commands,
// abstracting away the privilege escalation (sudo) logic.
type Executor struct {
	Context         context.Context // context used for cancellation
	ShouldRunAsRoot bool            // the command MUST run with root privileges
	Interactive     bool            // the command may prompt the user on the TTY
	Stdout          io.Writer       // default stdout when the command sets none
	Stderr          io.Writer       // default stderr when the command sets none
}

// runInteractiveCommand executes a command attached to the TTY for
// interactive prompts. No process-group isolation, so `sudo -v` can reach
// the terminal.
func runInteractiveCommand(ctx context.Context, name string, arg ...string) error {
	cmd := exec.CommandContext(ctx, name, arg...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// ensureSudo checks whether the sudo ticket is still valid and re-prompts
// if necessary. Nothing to do when we are already root or the command does
// not require root.
func (e *Executor) ensureSudo() error {
	if os.Geteuid() == 0 || !e.ShouldRunAsRoot {
		return nil
	}
	// Non-interactive check first: fast, and avoids a prompt while the
	// ticket is fresh.
	checkCmd := exec.CommandContext(e.Context, "sudo", "-nv")
	checkCmd.Stdout = io.Discard
	checkCmd.Stderr = io.Discard
	if err := checkCmd.Run(); err == nil {
		return nil
	}

	colArrow.Print("-> ")
	colSuccess.Println("Sudo ticket has expired. Re-authenticating")
	if err := runInteractiveCommand(e.Context, "sudo", "-v"); err != nil {
		return fmt.Errorf("sudo re-authentication failed: %w", err)
	}
	return nil
}

// Run executes the given command, elevating via sudo -E only when needed.
// It wires up stdio, isolates the child in its own process group so the
// whole tree dies on cancellation, and refreshes the sudo ticket first.
func (e *Executor) Run(cmd *exec.Cmd) error {
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	if cmd.Stdout == nil {
		if e.Stdout != nil {
			cmd.Stdout = e.Stdout
		} else {
			cmd.Stdout = os.Stdout
		}
	}
	if cmd.Stderr == nil {
		if e.Stderr != nil {
			cmd.Stderr = e.Stderr
		} else {
			cmd.Stderr = os.Stderr
		}
	}

	if err := e.ensureSudo(); err != nil {
		return err
	}

	var finalCmd *exec.Cmd
	basePath := cmd.Path
	baseArgs := cmd.Args[1:]

	if e.ShouldRunAsRoot && os.Geteuid() != 0 {
		args := append([]string{"-E", basePath}, baseArgs...)
		finalCmd = exec.CommandContext(e.Context, "sudo", args...)
	} else {
		finalCmd = exec.CommandContext(e.Context, basePath, baseArgs...)
	}
	finalCmd.Dir = cmd.Dir

	if len(cmd.Env) > 0 {
		finalCmd.Env = cmd.Env
	} else {
		finalCmd.Env = os.Environ()
	}
	finalCmd.Stdin = cmd.Stdin
	finalCmd.Stdout = cmd.Stdout
	finalCmd.Stderr = cmd.Stderr

	if !e.Interactive {
		finalCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	if err := finalCmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	// Kill the whole process group when the context is cancelled.
	if !e.Interactive {
		pgid := finalCmd.Process.Pid
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-e.Context.Done():
				syscall.Kill(-pgid, syscall.SIGKILL)
			case <-done:
			}
		}()
	}

	if waitErr := finalCmd.Wait(); waitErr != nil {
		if e.Context.Err() != nil {
			time.Sleep(100 * time.Millisecond)
			return fmt.Errorf("command aborted: %v", e.Context.Err())
		}
		return waitErr
	}
	return nil
}

// exitStatus extracts a child exit code from err; the first failing step's
// status becomes the process exit code, fallback 1 for non-exec errors.
func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if ok := AsExitError(err, &ee); ok {
		if code := ee.ExitCode(); code > 0 {
			return code
		}
	}
	// Exit codes recovered from script(1) logs carry no exec.ExitError;
	// anything exposing ExitCode() counts.
	for e := err; e != nil; {
		if ec, ok := e.(interface{ ExitCode() int }); ok {
			if code := ec.ExitCode(); code > 0 {
				return code
			}
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return 1
}

// AsExitError unwraps err looking for an *exec.ExitError.
func AsExitError(err error, target **exec.ExitError) bool {
	for err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			*target = ee
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
