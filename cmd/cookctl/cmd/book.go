package cmd

import (
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"

	"github.com/spf13/cobra"

	"assetcook.dev/internal/bootstrap"
	"assetcook.dev/internal/cook"
)

var (
	bookPlatforms    []string
	bookPackages     []string
	bookIterative    bool
	bookFullRebuild  bool
	bookContentDir   string
	bookSandboxDir   string
	bookDataDir      string
	bookFailOnErrors bool
)

var bookCmd = &cobra.Command{
	Use:   "book",
	Short: "Cook packages and their dependencies into the platform sandboxes",
	Long: `Runs a cook by the book: every requested package (all content when none
are named) and everything it imports is cooked for each platform. Sandboxes
are wiped when the cook settings changed since the last run, and with
--iterative packages whose content is unchanged are skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := bootstrap.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if bookContentDir != "" {
			cfg.ContentDir = bookContentDir
		}
		if bookSandboxDir != "" {
			cfg.SandboxDir = bookSandboxDir
		}
		if bookDataDir != "" {
			cfg.DataDir = bookDataDir
			cfg.Cache.Dir = filepath.Join(bookDataDir, "ddc")
		}

		logOut := io.Discard
		if verbose {
			logOut = cmd.ErrOrStderr()
		}
		rt, err := bootstrap.Open(cfg, cook.ModeCookByTheBook, log.New(logOut, "[cook] ", log.LstdFlags|log.Lmicroseconds))
		if err != nil {
			return err
		}
		defer rt.Close()

		report, err := rt.Server.RunCookByTheBook(cmd.Context(), cook.BookOptions{
			Platforms:   bookPlatforms,
			Packages:    append(bookPackages, args...),
			Iterative:   bookIterative || cfg.Iterative,
			FullRebuild: bookFullRebuild,
		})
		if report != nil && !quiet {
			printReport(cmd.OutOrStdout(), report)
		}
		if err != nil {
			if report != nil && report.Cancelled {
				return fmt.Errorf("cook cancelled with %d requests pending: %w", rt.Server.PendingResume(), err)
			}
			return err
		}
		if bookFailOnErrors && report.TotalFailed() > 0 {
			return errors.New(plural(report.TotalFailed(), "package failed", "packages failed"))
		}
		return nil
	},
}

func printReport(w io.Writer, r *cook.Report) {
	fmt.Fprintf(w, "run %s finished in %s (requeues=%d gcs=%d)\n", r.RunID, r.Duration, r.Requeues, r.GCs)
	fmt.Fprintf(w, "%-16s %-8s %-8s %-8s %s\n", "PLATFORM", "COOKED", "FAILED", "SKIPPED", "WIPED")
	for _, p := range r.Platforms {
		fmt.Fprintf(w, "%-16s %-8d %-8d %-8d %t\n", p.Platform, p.Cooked, p.Failed, p.Skipped, p.Wiped)
	}
	for _, p := range r.Platforms {
		for _, f := range p.Failures {
			fmt.Fprintf(w, "  %s: %s (%s)\n", p.Platform, f.File, f.Reason)
		}
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return fmt.Sprintf("%d %s", n, many)
}

func init() {
	bookCmd.Flags().StringSliceVarP(&bookPlatforms, "platform", "p", nil, "platforms to cook (default: config default_platforms)")
	bookCmd.Flags().StringSliceVar(&bookPackages, "package", nil, "packages to cook (default: all content)")
	bookCmd.Flags().BoolVar(&bookIterative, "iterative", false, "skip packages whose content is unchanged")
	bookCmd.Flags().BoolVar(&bookFullRebuild, "full-rebuild", false, "wipe every sandbox before cooking")
	bookCmd.Flags().StringVar(&bookContentDir, "content", "", "content directory (overrides config)")
	bookCmd.Flags().StringVar(&bookSandboxDir, "sandbox", "", "sandbox pattern containing [Platform] (overrides config)")
	bookCmd.Flags().StringVar(&bookDataDir, "data", "", "runtime data directory (overrides config)")
	bookCmd.Flags().BoolVar(&bookFailOnErrors, "fail-on-errors", false, "exit non-zero when any package fails to cook")

	rootCmd.AddCommand(bookCmd)
}
