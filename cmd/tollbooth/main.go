// Command tollbooth runs an x402 payment gate, a mock facilitator for local
// testing, and a paying client.
package main

import (
	"fmt"
	"os"
	"strings"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "facilitator":
		err = runFacilitator(os.Args[2:])
	case "pay":
		err = runPay(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "tollbooth %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("tollbooth - x402 payment gate for HTTP resources")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  tollbooth serve [flags]        - Run the payment gate in front of the demo content")
	fmt.Println("  tollbooth facilitator [flags]  - Run a mock facilitator that checks signatures offline")
	fmt.Println("  tollbooth pay [flags]          - Fetch a paywalled URL, paying with an EVM key")
	fmt.Println()
	fmt.Println("Run 'tollbooth <command> --help' for more information.")
}

// envOr returns the environment value for key, or def when it is unset or blank.
func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
