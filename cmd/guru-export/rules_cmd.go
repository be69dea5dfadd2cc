package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/guru-export/pkg/config"
	"github.com/Mindburn-Labs/guru-export/pkg/guru"
	"github.com/Mindburn-Labs/guru-export/pkg/rules"
)

func runRulesCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: guru-export rules <check|offers> [flags]")
		return 2
	}
	switch args[0] {
	case "check":
		return runRulesCheck(args[1:], stdout, stderr)
	case "offers":
		return runRulesOffers(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown rules subcommand: %s\n", args[0])
		return 2
	}
}

// runRulesCheck validates a rule file and prints its digest.
func runRulesCheck(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	cmd := flag.NewFlagSet("rules check", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	path := cmd.String("rules", cfg.RulesPath, "Rule file to check")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	setupLogger(cfg, stderr)

	rs, err := rules.LoadFile(*path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if _, err := rules.NewEngine(rs); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	digest, err := rules.Digest(rs)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "version: %s\n", rs.Version())
	_, _ = fmt.Fprintf(stdout, "digest:  %s\n", digest)
	_, _ = fmt.Fprintf(stdout, "coupons: %d\n", len(rs.Coupons()))
	_, _ = fmt.Fprintf(stdout, "offers:  %d\n", len(rs.Offers()))
	return 0
}

// runRulesOffers lists upstream products and their offers, for writing offer
// rules.
func runRulesOffers(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	cmd := flag.NewFlagSet("rules offers", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	product := cmd.String("product", "", "List offers of this product only")
	jsonOutput := cmd.Bool("json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	logger := setupLogger(cfg, stderr)

	if err := guru.CheckToken(cfg.GuruAPIToken, time.Now()); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v (set GURU_API_TOKEN)\n", err)
		return 1
	}
	client, closeClient := newGuruClient(cfg, logger)
	defer closeClient()

	ctx := context.Background()
	var products []guru.Product
	if *product != "" {
		products = []guru.Product{{ID: *product}}
	} else {
		var err error
		if products, err = client.ListProducts(ctx); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	type listing struct {
		Product guru.Product `json:"product"`
		Offers  []guru.Offer `json:"offers"`
	}
	out := make([]listing, 0, len(products))
	for _, p := range products {
		offers, err := client.ListOffers(ctx, p.ID)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: product %s: %v\n", p.ID, err)
			return 1
		}
		out = append(out, listing{Product: p, Offers: offers})
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return 1
		}
		return 0
	}
	for _, l := range out {
		_, _ = fmt.Fprintf(stdout, "%s  %s\n", l.Product.ID, l.Product.Name)
		for _, o := range l.Offers {
			_, _ = fmt.Fprintf(stdout, "    %s  %s  %s\n", o.ID, o.Name, o.Value.FormatBR())
		}
	}
	return 0
}
