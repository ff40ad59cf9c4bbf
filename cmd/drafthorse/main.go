package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "submit":
		cmdSubmit(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	case "resume":
		cmdResume(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  drafthorse serve [--addr <host:port>] [--config <file.yaml>] [--builds-root <dir>]")
	fmt.Fprintln(os.Stderr, "  drafthorse submit --plan <file.txt> --tenant <id> --key <idempotency-key> [--addr <host:port>]")
	fmt.Fprintln(os.Stderr, "  drafthorse status --build <id> [--addr <host:port>]")
	fmt.Fprintln(os.Stderr, "  drafthorse validate --plan <file.txt>")
	fmt.Fprintln(os.Stderr, "  drafthorse resume --build <id> [--config <file.yaml>] [--builds-root <dir>]")
}

// flagValue consumes the value of args[i] for flag name, advancing i.
func flagValue(args []string, i *int, name string) string {
	*i++
	if *i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", name)
		os.Exit(1)
	}
	return args[*i]
}
