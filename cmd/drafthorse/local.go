package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/avolkov/drafthorse/internal/engine"
	"github.com/avolkov/drafthorse/internal/plan"
	"github.com/avolkov/drafthorse/internal/store"
)

// cmdValidate parses a plan without creating anything. Exit 0 means the plan
// yields a valid, acyclic TaskGraph.
func cmdValidate(args []string) {
	var planPath string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--plan":
			planPath = flagValue(args, &i, "--plan")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if planPath == "" {
		fmt.Fprintln(os.Stderr, "--plan is required")
		os.Exit(1)
	}

	planText, err := os.ReadFile(planPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	graph, err := plan.Parse(string(planText), plan.FormatText)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(graph, "", "  ")
	fmt.Println(string(out))
	fmt.Fprintf(os.Stderr, "ok: %d nodes\n", len(graph.Nodes))
}

// cmdResume re-enters an interrupted build directly against the store. Nodes
// left running by a crash were already demoted to pending on store open; the
// ready set is recomputed from persisted state.
func cmdResume(args []string) {
	var buildID, configPath, buildsRoot string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--build":
			buildID = flagValue(args, &i, "--build")
		case "--config":
			configPath = flagValue(args, &i, "--config")
		case "--builds-root":
			buildsRoot = flagValue(args, &i, "--builds-root")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if buildID == "" {
		fmt.Fprintln(os.Stderr, "--build is required")
		os.Exit(1)
	}

	cfg, err := engine.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if buildsRoot != "" {
		cfg.BuildsRoot = buildsRoot
	}

	st, err := store.Open(cfg.BuildsRoot)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	eng := engine.New(st, cfg)
	res, err := eng.Run(context.Background(), buildID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("build %s: %s\n", res.BuildID, res.Status)
	if res.Gate != nil {
		fmt.Printf("gate %s pending approval (role %s)\n", res.Gate.GateID, res.Gate.RequiredRole)
	}
}
