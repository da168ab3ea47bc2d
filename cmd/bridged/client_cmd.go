package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/bridged/client"
	"pkt.systems/bridged/internal/dispatch"
	"pkt.systems/bridged/internal/governor"
)

// clientFromFlags resolves the daemon endpoint from --server, then the
// configured listen address.
func clientFromFlags() (*client.Client, error) {
	if _, err := loadConfigFile(); err != nil {
		return nil, err
	}
	endpoint := strings.TrimSpace(viper.GetString("server"))
	if endpoint == "" {
		endpoint = strings.TrimSpace(viper.GetString("listen"))
		if proto := viper.GetString("listen-proto"); proto == "tcp" && endpoint != "" && !strings.Contains(endpoint, "://") {
			endpoint = "tcp://" + endpoint
		}
	}
	return client.New(endpoint, client.WithTimeout(viper.GetDuration("timeout")))
}

func newCallCommand() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "call <module> <function> [params-json|-]",
		Short: "Send one request to a running daemon and print the response",
		Example: `
  bridged call test ping
  bridged call database connect '{"dsn":"dbi:SQLite:dbname=/tmp/app.db"}'
  echo '{"connection_id":"..."}' | bridged call database ping -
`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			var params any
			if len(args) == 3 {
				data := []byte(args[2])
				if args[2] == "-" {
					var err error
					data, err = io.ReadAll(cmd.InOrStdin())
					if err != nil {
						return fmt.Errorf("read params: %w", err)
					}
				}
				if err := json.Unmarshal(data, &params); err != nil {
					return fmt.Errorf("params must be JSON: %w", err)
				}
			}
			cli, err := clientFromFlags()
			if err != nil {
				return err
			}
			resp, err := cli.Call(cmd.Context(), args[0], args[1], params)
			if err != nil {
				return err
			}
			var out any = resp
			if !raw && resp.Success {
				out = resp.Result
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			if !resp.Success {
				return fmt.Errorf("%s: %s", resp.ErrorType, resp.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print the whole response document instead of the result")
	return cmd
}

type healthResult struct {
	Status    string            `json:"status"`
	Issues    []string          `json:"issues"`
	Uptime    float64           `json:"uptime"`
	Resources governor.Snapshot `json:"resources"`
}

type performanceResult struct {
	Latency dispatch.PerfStats `json:"latency"`
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show health and performance of a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, err := clientFromFlags()
			if err != nil {
				return err
			}
			var health healthResult
			if err := cli.Invoke(cmd.Context(), "system", "health", nil, &health); err != nil {
				return err
			}
			var perf performanceResult
			if err := cli.Invoke(cmd.Context(), "system", "performance", nil, &perf); err != nil {
				return err
			}
			return renderStatus(cmd.OutOrStdout(), health, perf)
		},
	}
}

func renderStatus(w io.Writer, health healthResult, perf performanceResult) error {
	if w != os.Stdout {
		pterm.DisableStyling()
		defer pterm.EnableStyling()
	}
	res := health.Resources
	status := health.Status
	switch status {
	case "healthy":
		status = pterm.FgGreen.Sprint(status)
	case "degraded":
		status = pterm.FgYellow.Sprint(status)
	default:
		status = pterm.FgRed.Sprint(status)
	}
	data := pterm.TableData{
		{"metric", "value"},
		{"status", status},
		{"state", res.State},
		{"uptime", time.Duration(health.Uptime * float64(time.Second)).Round(time.Second).String()},
		{"rss", humanize.IBytes(res.RSSBytes)},
		{"cpu", strconv.FormatFloat(res.CPUPercent, 'f', 1, 64) + "%"},
		{"concurrent", fmt.Sprintf("%d (peak %d)", res.Concurrent, res.PeakConcurrent)},
		{"connections", strconv.FormatInt(res.Connections, 10)},
		{"requests/min", strconv.Itoa(res.RequestsLastMinute)},
		{"requests", fmt.Sprintf("%s total, %s failed, %s rejected", humanize.Comma(int64(res.TotalRequests)), humanize.Comma(int64(res.FailedRequests)), humanize.Comma(int64(res.RejectedRequests)))},
		{"latency avg/p95/p99", fmt.Sprintf("%.2f / %.2f / %.2f ms", perf.Latency.AverageMillis, perf.Latency.P95Millis, perf.Latency.P99Millis)},
		{"error rate", strconv.FormatFloat(perf.Latency.ErrorRate*100, 'f', 1, 64) + "%"},
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, table); err != nil {
		return err
	}
	if len(health.Issues) > 0 {
		issues := append([]string(nil), health.Issues...)
		sort.Strings(issues)
		items := make([]pterm.BulletListItem, 0, len(issues))
		for _, issue := range issues {
			items = append(items, pterm.BulletListItem{Level: 0, Text: issue})
		}
		list, err := pterm.DefaultBulletList.WithItems(items).Srender()
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, list); err != nil {
			return err
		}
	}
	return nil
}
