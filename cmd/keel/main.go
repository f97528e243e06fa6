package main

import (
	"fmt"
	"io"
	"os"

	_ "github.com/lib/pq" // Postgres Driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "profiles":
		return runProfilesCmd(args[2:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: keel <command> [flags]")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  verify    Recompute the ledger hash chain and report the first broken row")
	_, _ = fmt.Fprintln(w, "  export    Export ledger rows as JSON for audit")
	_, _ = fmt.Fprintln(w, "  profiles  List budget profiles from the profile directory")
}
