package main

import (
	"flag"
	"fmt"
	"io"
	"sort"

	"github.com/Mindburn-Labs/keel/pkg/config"
)

// runProfilesCmd implements `keel profiles`: lists the budget profiles the
// process would accept at run creation, after schema validation.
func runProfilesCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("profiles", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var dir string
	cmd.StringVar(&dir, "dir", "", "Profile directory (defaults to KEEL_PROFILE_DIR)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if dir == "" {
		dir = config.Load().ProfileDir
	}

	profiles, err := config.LoadAllProfiles(dir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := profiles[name]
		_, _ = fmt.Fprintf(stdout, "%s\tsteps=%d tokens=%d cost_micro_usd=%d\n",
			p.Name, p.Limits.Steps, p.Limits.LLMTokens, p.Limits.CostMicroUSD)
	}
	return 0
}
