// Package main provides the terminal console for a running guardian.
package main

import (
	"flag"
	"fmt"
	"os"

	"nettrace-guardian/internal/tui"
	"nettrace-guardian/internal/tui/api"
)

var (
	version = "dev"
)

func main() {
	var (
		showVersion bool
		serverURL   string
		apiKey      string
		keyHeader   string
	)

	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&showVersion, "v", false, "Show version and exit (shorthand)")
	flag.StringVar(&serverURL, "server", "http://localhost:8090", "Guardian ops server URL")
	flag.StringVar(&serverURL, "s", "http://localhost:8090", "Guardian ops server URL (shorthand)")
	flag.StringVar(&apiKey, "api-key", os.Getenv("GUARDIAN_API_KEY"), "API key for the ops server")
	flag.StringVar(&keyHeader, "api-key-header", "X-API-Key", "Header carrying the API key")
	flag.Parse()

	if showVersion {
		fmt.Printf("guardian-top %s\n", version)
		os.Exit(0)
	}

	fmt.Printf("Connecting to: %s\n", serverURL)

	client := api.NewClient(serverURL, api.WithAPIKey(keyHeader, apiKey))
	if err := tui.Run(client); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
