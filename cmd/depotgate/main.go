package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "stage":
		return runStageCmd(args[2:], stdout, stderr)
	case "declare":
		return runDeclareCmd(args[2:], stdout, stderr)
	case "closure":
		return runClosureCmd(args[2:], stdout, stderr)
	case "ship":
		return runShipCmd(args[2:], stdout, stderr)
	case "purge":
		return runPurgeCmd(args[2:], stdout, stderr)
	case "receipts":
		return runReceiptsCmd(args[2:], stdout, stderr)
	case "shipments":
		return runShipmentsCmd(args[2:], stdout, stderr)
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
	fmt.Fprintln(w, "depotgate - content-addressed artifact staging and shipping")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage: depotgate <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  stage      Stage an artifact from a file or stdin")
	fmt.Fprintln(w, "  declare    Declare a deliverable contract")
	fmt.Fprintln(w, "  closure    Evaluate a deliverable's closure requirements")
	fmt.Fprintln(w, "  ship       Ship a deliverable to its destination")
	fmt.Fprintln(w, "  purge      Purge staged artifacts per policy")
	fmt.Fprintln(w, "  receipts   List receipts from the ledger")
	fmt.Fprintln(w, "  shipments  Show shipment manifests")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration is read from DEPOTGATE_* environment variables;")
	fmt.Fprintln(w, "pass --profile <file.yaml> to any command to overlay a profile.")
}
