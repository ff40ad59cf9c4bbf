package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
)

const defaultAddr = "127.0.0.1:8080"

func cmdSubmit(args []string) {
	var planPath, tenant, key string
	addr := defaultAddr

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--plan":
			planPath = flagValue(args, &i, "--plan")
		case "--tenant":
			tenant = flagValue(args, &i, "--tenant")
		case "--key":
			key = flagValue(args, &i, "--key")
		case "--addr":
			addr = flagValue(args, &i, "--addr")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if planPath == "" || tenant == "" || key == "" {
		fmt.Fprintln(os.Stderr, "--plan, --tenant and --key are required")
		os.Exit(1)
	}

	planText, err := os.ReadFile(planPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	body, _ := json.Marshal(map[string]string{
		"plan":      string(planText),
		"tenant_id": tenant,
	})
	req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/builds", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)

	printResponse(req)
}

func cmdStatus(args []string) {
	var buildID string
	addr := defaultAddr

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--build":
			buildID = flagValue(args, &i, "--build")
		case "--addr":
			addr = flagValue(args, &i, "--addr")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if buildID == "" {
		fmt.Fprintln(os.Stderr, "--build is required")
		os.Exit(1)
	}

	req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/builds/"+buildID, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	printResponse(req)
}

func printResponse(req *http.Request) {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(string(bytes.TrimSpace(b)))
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}
