package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/glimte/avista-control/health"
	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the health of a running controller or worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			report, err := fetchReport(ctx, addr)
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("%s is unhealthy", addr)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "localhost:9090", "Diagnostics address of the process")

	return cmd
}

func fetchReport(ctx context.Context, addr string) (health.Report, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(addr, "/")+"/healthz", nil)
	if err != nil {
		return health.Report{}, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return health.Report{}, fmt.Errorf("failed to reach %s: %w", addr, err)
	}
	defer resp.Body.Close()

	var report health.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return health.Report{}, fmt.Errorf("failed to decode health report (status %d): %w", resp.StatusCode, err)
	}
	return report, nil
}

func statusColor(s health.Status) func(a ...interface{}) string {
	switch s {
	case health.StatusHealthy:
		return color.New(color.FgGreen).SprintFunc()
	case health.StatusDegraded:
		return color.New(color.FgYellow).SprintFunc()
	default:
		return color.New(color.FgRed, color.Bold).SprintFunc()
	}
}

func printReport(out io.Writer, report health.Report) {
	fmt.Fprintf(out, "Overall: %s\n", statusColor(report.Status)(report.Status))
	fmt.Fprintln(out, strings.Repeat("-", 60))
	fmt.Fprintf(out, "%-22s %-12s %s\n", "Check", "Status", "Message")

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		check := report.Checks[name]
		message := check.Message
		if check.Error != "" {
			message = strings.TrimSpace(message + " " + check.Error)
		}
		// pad before colouring so escape codes do not break alignment
		status := fmt.Sprintf("%-12s", check.Status)
		fmt.Fprintf(out, "%-22s %s %s\n", name, statusColor(check.Status)(status), message)
	}
}
