// File: cmd/scalpel-hitl/main.go
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/xkilldash9x/scalpel-hitl/cmd"
	"github.com/xkilldash9x/scalpel-hitl/internal/observability"
)

const panicLogFile = "panic.log"

const banner = `
 scalpel-hitl  |  runs pause for a human, then carry on
 type a command (e.g. "interventions list"), or "exit"

`

// Define function variables for dependency injection/mocking in tests.
var (
	osWriteFile = os.WriteFile
	// Allows mocking os.Exit in tests.
	osExit = os.Exit
	// Allows replacing the command tree in tests.
	execute = cmd.Execute
)

// main is the entry point of the application.
func main() {
	defer handlePanic()

	// Set up a context that listens for interrupt signals (SIGINT, SIGTERM) for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// If arguments are passed, execute the command directly and exit.
	if len(os.Args) > 1 {
		osExit(exitCode(execute(ctx)))
		return
	}

	if err := interactive(ctx, os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "Error reading from stdin:", err)
		osExit(1)
	}
}

// exitCode maps a command error to the process status. A Ctrl+C shutdown
// is a clean exit.
func exitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	return 1
}

// interactive runs a small shell until EOF, "exit" or "quit".
func interactive(ctx context.Context, in io.Reader, out, errOut io.Writer) error {
	fmt.Fprint(out, banner)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "scalpel-hitl > ")
		if !scanner.Scan() {
			break // Exit on EOF (Ctrl+D)
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		executeInteractiveCommand(ctx, line, out, errOut)
		if ctx.Err() != nil {
			break
		}
	}
	return scanner.Err()
}

// executeInteractiveCommand parses and runs one line from the interactive shell.
func executeInteractiveCommand(ctx context.Context, line string, out, errOut io.Writer) {
	// A new command tree per line keeps flags from one command out of the next.
	rootCmd := cmd.NewRootCommand()
	rootCmd.SetArgs(strings.Fields(line))
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	// Capture panics to avoid crashing the interactive session.
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(errOut, "Error: command panicked: %v\n", r)
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		// In interactive mode, print the error but keep the shell open.
		fmt.Fprintln(errOut, "Error:", err)
	}
}

// handlePanic records a crash to panic.log before exiting non-zero.
func handlePanic() {
	if r := recover(); r != nil {
		// Ensure logs are flushed before proceeding.
		observability.Sync()

		panicMessage := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
		if err := osWriteFile(panicLogFile, []byte(panicMessage), 0o644); err != nil {
			// If logging fails, print to stderr as a fallback.
			fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n", err)
			fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", panicMessage)
			osExit(2)
			return // Return facilitates testing when osExit is mocked.
		}
		fmt.Fprintf(os.Stderr, "\nCRASH DETECTED. Details logged to %s\n", panicLogFile)
		osExit(2)
	}
}
