package cmd

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"assetcook.dev/internal/bootstrap"
	persistlog "assetcook.dev/internal/persistence/log"
)

var (
	eventsDataDir  string
	eventsRunID    string
	eventsFailures bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Summarize the cook event log",
	Long: `Reads the zstd JSONL event log under <data_dir>/events and prints event
counts by kind. --failures also lists every failed load and save.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir := eventsDataDir
		if dataDir == "" {
			cfg, err := bootstrap.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			dataDir = cfg.DataDir
		}
		files, err := persistlog.ListEventFiles(dataDir)
		if errors.Is(err, os.ErrNotExist) || (err == nil && len(files) == 0) {
			return fmt.Errorf("no event log under %s", dataDir)
		}
		if err != nil {
			return err
		}

		counts := map[string]int{}
		var failures []persistlog.CookEvent
		for _, path := range files {
			err := persistlog.ReadEvents(path, func(e persistlog.CookEvent) error {
				if eventsRunID != "" && e.RunID != eventsRunID {
					return nil
				}
				key := e.Kind
				if !e.OK {
					key += " (failed)"
					if e.File != "" {
						failures = append(failures, e)
					}
				}
				counts[key]++
				return nil
			})
			if err != nil {
				return err
			}
		}

		w := cmd.OutOrStdout()
		kinds := make([]string, 0, len(counts))
		for k := range counts {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(w, "%-28s %d\n", k, counts[k])
		}
		if eventsFailures {
			for _, e := range failures {
				fmt.Fprintf(w, "%s %-10s %-12s %s %s\n", e.Time.Format("2006-01-02T15:04:05Z"), e.Platform, e.Reason, e.Kind, e.File)
			}
		}
		return nil
	},
}

func init() {
	eventsCmd.Flags().StringVar(&eventsDataDir, "data", "", "runtime data directory (default: config data_dir)")
	eventsCmd.Flags().StringVar(&eventsRunID, "run", "", "only events of this run id")
	eventsCmd.Flags().BoolVar(&eventsFailures, "failures", false, "list failed loads and saves")

	rootCmd.AddCommand(eventsCmd)
}
