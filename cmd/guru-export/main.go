package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Mindburn-Labs/guru-export/pkg/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "rules":
		return runRulesCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "guru-export %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Export Guru transactions to spreadsheets.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  guru-export <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "export", "Export one period (--year, --month, --periodicity, --mode, --products)")
	printCommand(w, "rules", "Inspect rule files and upstream offers (check, offers)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-12s %s\n", name, desc)
}

// setupLogger installs the process logger on stderr.
func setupLogger(cfg *config.Config, stderr io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(stderr, opts)
	} else {
		h = slog.NewTextHandler(stderr, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}
