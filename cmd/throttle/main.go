// Throttle is a cost-optimizing LLM reverse proxy: it classifies prompt
// complexity, routes each request to the cheapest capable model, and
// translates streaming responses between provider dialects.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/throttle.json", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("throttle", version)
		os.Exit(0)
	}

	// Credentials commonly live in a .env next to the config; absence is
	// not an error.
	_ = godotenv.Load()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
