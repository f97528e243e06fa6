package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/keel/pkg/chain"
	"github.com/Mindburn-Labs/keel/pkg/config"
)

// runExportCmd implements `keel export`: dumps ledger rows as a JSON array
// for audit tooling, optionally filtered by session or run.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		ledgerPath string
		sessionID  string
		runID      string
		outFile    string
	)
	cmd.StringVar(&ledgerPath, "ledger", "", "Path to the SQLite ledger (defaults to KEEL_LEDGER_PATH)")
	cmd.StringVar(&sessionID, "session", "", "Only rows for this session")
	cmd.StringVar(&runID, "run", "", "Only rows for this run")
	cmd.StringVar(&outFile, "out", "", "Write to file instead of stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if ledgerPath != "" {
		cfg.DatabaseURL = ""
		cfg.LedgerPath = ledgerPath
	}

	ctx := context.Background()
	store, err := cfg.OpenStore(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: open ledger: %v\n", err)
		return 2
	}
	defer store.Close()

	var rows []chain.Action
	if sessionID != "" || runID != "" {
		rows, err = store.Query(ctx, chain.Query{SessionID: sessionID, IntentID: runID})
	} else {
		err = store.ScanAll(ctx, func(a chain.Action) error {
			rows = append(rows, a)
			return nil
		})
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	out := stdout
	if outFile != "" {
		f, err := os.Create(outFile)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		defer f.Close()
		out = f
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rows); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}
