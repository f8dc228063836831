package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/catalog"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/optimizer"
	"github.com/opensource-finance/kestrel/internal/report"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// offlineTenant scopes an offline run; rules loaded from file are global.
const offlineTenant = "offline"

var assignCmd = &cobra.Command{
	Use:   "assign",
	Short: "Assign channels to a batch of accounts from local files",
	Long: `Runs one assignment batch without starting the server.

The catalog is a CSV file and the accounts a JSON array of scored accounts.
The report is printed as JSON on stdout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		catalogPath, _ := cmd.Flags().GetString("catalog")
		accountsPath, _ := cmd.Flags().GetString("accounts")
		exclusionsPath, _ := cmd.Flags().GetString("exclusions")
		bank, _ := cmd.Flags().GetString("bank")

		// A nil cfg means the command runs outside the root command's hooks
		workers, strict := 0, false
		if cfg != nil {
			workers, strict = cfg.Optimizer.Workers, cfg.Optimizer.StrictChannels
		}
		if cmd.Flags().Changed("strict") {
			strict, _ = cmd.Flags().GetBool("strict")
		}

		rep, err := runOffline(cmd.Context(), offlineOptions{
			CatalogPath:    catalogPath,
			AccountsPath:   accountsPath,
			ExclusionsPath: exclusionsPath,
			Workers:        workers,
			Strict:         strict,
		})
		if err != nil {
			return err
		}
		if bank != "" {
			rep = report.FilterByBank(rep, bank)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	},
}

func init() {
	assignCmd.Flags().String("catalog", "", "Channel catalog CSV file (required)")
	assignCmd.Flags().String("accounts", "", "Scored accounts JSON file (required)")
	assignCmd.Flags().String("exclusions", "", "Exclusion rules JSON file")
	assignCmd.Flags().String("bank", "", "Only report accounts with this home bank")
	assignCmd.Flags().Bool("strict", false, "Reject accounts scoring channels missing from the catalog")
	_ = assignCmd.MarkFlagRequired("catalog")
	_ = assignCmd.MarkFlagRequired("accounts")
}

type offlineOptions struct {
	CatalogPath    string
	AccountsPath   string
	ExclusionsPath string
	Workers        int
	Strict         bool
}

func runOffline(ctx context.Context, opts offlineOptions) (*domain.RunReport, error) {
	cat, err := loadCatalogFile(opts.CatalogPath)
	if err != nil {
		return nil, err
	}

	var accounts []*domain.Account
	if err := readJSONFile(opts.AccountsPath, &accounts); err != nil {
		return nil, fmt.Errorf("read accounts: %w", err)
	}

	optOpts := []optimizer.Option{optimizer.WithStrictChannels(opts.Strict)}
	if opts.Workers > 0 {
		optOpts = append(optOpts, optimizer.WithWorkers(opts.Workers))
	}

	if opts.ExclusionsPath != "" {
		var ruleSet []*domain.ExclusionRule
		if err := readJSONFile(opts.ExclusionsPath, &ruleSet); err != nil {
			return nil, fmt.Errorf("read exclusions: %w", err)
		}

		engine, err := rules.NewEngine()
		if err != nil {
			return nil, err
		}
		defer engine.Close()

		for _, rule := range ruleSet {
			rule.TenantID = ""
		}
		if err := engine.LoadRules(ruleSet); err != nil {
			return nil, fmt.Errorf("load exclusions: %w", err)
		}
		optOpts = append(optOpts, optimizer.WithScreen(engine.Screen(offlineTenant)))
	}

	run := optimizer.New(cat, optOpts...).Run(ctx, offlineTenant, accounts)
	rep := report.Build(run, cat)

	slog.Info("offline run complete",
		"run_id", rep.RunID,
		"accounts", rep.Summary.Accounts,
		"selected", rep.Summary.Selected,
		"failed", rep.Summary.Failed,
	)
	return rep, nil
}

func loadCatalogFile(path string) (*catalog.Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	cat, err := catalog.LoadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}
	return cat, nil
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
