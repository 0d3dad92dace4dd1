package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"assetcook.dev/internal/cook"
)

var httpClient = &http.Client{Timeout: 60 * time.Second}

// adminCall sends a request to the server's admin API and decodes the JSON
// reply into out. Non-2xx replies become errors carrying the server's message.
func adminCall(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(serverURL, "/")+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("contacting %s: %w", serverURL, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, e.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

var (
	pkgPlatforms  []string
	pkgForceFront bool
)

var packageCmd = &cobra.Command{
	Use:   "package <filename>...",
	Short: "Queue packages on a running cook-on-the-fly server",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, f := range args {
			body := map[string]any{"filename": f, "platforms": pkgPlatforms, "force_front": pkgForceFront}
			if err := adminCall(cmd.Context(), http.MethodPost, "/admin/v1/cook", body, nil); err != nil {
				return fmt.Errorf("queue %s: %w", f, err)
			}
			if !quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", f)
			}
		}
		return nil
	},
}

var dirtyCmd = &cobra.Command{
	Use:   "dirty <package>...",
	Short: "Mark source packages modified so they recook",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, p := range args {
			if err := adminCall(cmd.Context(), http.MethodPost, "/admin/v1/dirty", map[string]string{"package": p}, nil); err != nil {
				return err
			}
		}
		return nil
	},
}

var clearAllCmd = &cobra.Command{
	Use:   "clearall",
	Short: "Forget every cooked result on the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := adminCall(cmd.Context(), http.MethodPost, "/admin/v1/clearall", nil, nil); err != nil {
			return err
		}
		if !quiet {
			fmt.Fprintln(cmd.OutOrStdout(), "cleared")
		}
		return nil
	},
}

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cooker counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st cook.Stats
		if err := adminCall(cmd.Context(), http.MethodGet, "/admin/v1/stats", nil, &st); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if statsJSON {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}
		fmt.Fprintf(w, "mode:        %s\n", st.Mode)
		fmt.Fprintf(w, "platforms:   %s\n", strings.Join(st.SessionPlatforms, ","))
		fmt.Fprintf(w, "queued:      %d\n", st.Queued)
		fmt.Fprintf(w, "loaded:      %d (pending save %d)\n", st.Loaded, st.PendingSave)
		fmt.Fprintf(w, "cooked:      %s ok, %s failed, %s requeued\n",
			humanize.Comma(int64(st.CookedTotal)), humanize.Comma(int64(st.FailedTotal)), humanize.Comma(int64(st.RequeuedTotal)))
		fmt.Fprintf(w, "shader jobs: %d\n", st.PendingShaders)
		fmt.Fprintf(w, "gc runs:     %d\n", st.GCTotal)
		fmt.Fprintf(w, "heap:        %s\n", humanize.IBytes(st.HeapAlloc))
		return nil
	},
}

var precookedPlatform string

var precookedCmd = &cobra.Command{
	Use:   "precooked",
	Short: "List files already cooked for a platform",
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(precookedPlatform) == "" {
			return errors.New("--platform is required")
		}
		var resp struct {
			Files map[string]int64 `json:"files"`
		}
		path := "/admin/v1/precooked?platform=" + url.QueryEscape(precookedPlatform)
		if err := adminCall(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
			return err
		}
		names := make([]string, 0, len(resp.Files))
		for f := range resp.Files {
			names = append(names, f)
		}
		sort.Strings(names)
		w := cmd.OutOrStdout()
		for _, f := range names {
			fmt.Fprintf(w, "%-60s %s\n", f, humanize.Time(time.Unix(resp.Files[f], 0)))
		}
		return nil
	},
}

func init() {
	packageCmd.Flags().StringSliceVarP(&pkgPlatforms, "platform", "p", nil, "platforms to cook for (default: the server's session platforms)")
	packageCmd.Flags().BoolVar(&pkgForceFront, "front", false, "queue ahead of pending requests")
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print raw JSON")
	precookedCmd.Flags().StringVarP(&precookedPlatform, "platform", "p", "", "platform to list")

	rootCmd.AddCommand(packageCmd, dirtyCmd, clearAllCmd, statsCmd, precookedCmd)
}
