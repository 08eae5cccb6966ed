// Throttle-stats aggregates the routing log into a cost report without
// needing a running proxy.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/throttleproxy/throttle/internal/catalog"
	"github.com/throttleproxy/throttle/internal/config"
	"github.com/throttleproxy/throttle/internal/routelog"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/throttle.json", "path to config file")
	days := flag.Int("days", 30, "trailing window in days")
	asJSON := flag.Bool("json", false, "emit raw JSON instead of a table")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("throttle-stats", version)
		os.Exit(0)
	}

	_ = godotenv.Load()

	if err := run(*configPath, *days, *asJSON); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, days int, asJSON bool) error {
	if days < 1 {
		return fmt.Errorf("days must be a positive integer, got %d", days)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	reg, err := catalog.LoadCatalog(cfg.ModelCatalogPath)
	if err != nil {
		return err
	}

	since := time.Now().UTC().AddDate(0, 0, -days)
	stats, err := routelog.Aggregate(cfg.Logging.LogFilePath, since, reg.MostExpensive())
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}
	render(os.Stdout, stats, days)
	return nil
}

func render(out *os.File, s *routelog.Stats, days int) {
	fmt.Fprintf(out, "Routing log, last %d days\n\n", days)
	fmt.Fprintf(out, "Requests:     %d\n", s.TotalRequests)
	fmt.Fprintf(out, "Spend:        $%.4f\n", s.TotalCostUSD)
	fmt.Fprintf(out, "Baseline:     $%.4f (everything on %s)\n", s.BaselineCostUSD, s.BaselineModel)
	fmt.Fprintf(out, "Savings:      $%.4f\n", s.SavingsUSD)
	fmt.Fprintf(out, "Avg latency:  %.0f ms\n", s.AvgLatencyMs)

	if len(s.ModelDistribution) > 0 {
		models := make([]string, 0, len(s.ModelDistribution))
		for m := range s.ModelDistribution {
			models = append(models, m)
		}
		sort.Strings(models)

		fmt.Fprintln(out, "\nPer model:")
		w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  MODEL\tREQUESTS\tCOST")
		for _, m := range models {
			ms := s.ModelDistribution[m]
			fmt.Fprintf(w, "  %s\t%d\t$%.4f\n", m, ms.Requests, ms.CostUSD)
		}
		w.Flush()
	}

	if len(s.TierDistribution) > 0 {
		fmt.Fprintln(out, "\nPer tier:")
		w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  TIER\tREQUESTS")
		for _, tier := range []string{"simple", "standard", "complex"} {
			if n, ok := s.TierDistribution[tier]; ok {
				fmt.Fprintf(w, "  %s\t%d\n", tier, n)
			}
		}
		w.Flush()
	}
}
