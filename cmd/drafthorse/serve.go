package main

import (
	"fmt"
	"os"

	"github.com/avolkov/drafthorse/internal/engine"
	"github.com/avolkov/drafthorse/internal/server"
	"github.com/avolkov/drafthorse/internal/store"
)

func cmdServe(args []string) {
	var addr, configPath, buildsRoot string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			addr = flagValue(args, &i, "--addr")
		case "--config":
			configPath = flagValue(args, &i, "--config")
		case "--builds-root":
			buildsRoot = flagValue(args, &i, "--builds-root")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	cfg, err := engine.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if buildsRoot != "" {
		cfg.BuildsRoot = buildsRoot
	}

	st, err := store.Open(cfg.BuildsRoot)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	srv := server.New(cfg, st)
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
