package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	scada "github.com/JupiterMack/jupiter-scada"
)

var (
	metricsURL    string
	statsInterval time.Duration
)

// statsColumns are printed in this order; missing families print as 0.
var statsColumns = []struct {
	label  string
	metric string
}{
	{"state", "jupiter_connection_state"},
	{"polls", "jupiter_polls_total"},
	{"skips", "jupiter_poll_skips_total"},
	{"read_errors", "jupiter_read_errors_total"},
	{"timeouts", "jupiter_read_timeouts_total"},
	{"faults", "jupiter_connection_faults_total"},
	{"ws_clients", "jupiter_ws_clients"},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Poll the Prometheus metrics endpoint and print live counters",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().StringVar(&metricsURL, "url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	statsCmd.Flags().DurationVar(&statsInterval, "interval", 2*time.Second, "Refresh interval")
}

func runStats(cmd *cobra.Command, args []string) error {
	if statsInterval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", statsInterval)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Streaming metrics from %s (Ctrl+C to stop)\n", metricsURL)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(ctx, out, metricsURL); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

func printMetricsSnapshot(ctx context.Context, out io.Writer, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	values, err := scrape(resp.Body)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, formatStats(time.Now(), values))
	return nil
}

// scrape sums every sample of each counter or gauge family in the text
// exposition format.
func scrape(r io.Reader) (map[string]float64, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return nil, fmt.Errorf("parse metrics: %w", err)
	}

	values := make(map[string]float64, len(families))
	for name, mf := range families {
		var sum float64
		for _, m := range mf.GetMetric() {
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				sum += m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				sum += m.GetGauge().GetValue()
			case dto.MetricType_UNTYPED:
				sum += m.GetUntyped().GetValue()
			}
		}
		values[name] = sum
	}
	return values, nil
}

func formatStats(now time.Time, values map[string]float64) string {
	line := "[" + now.Format(time.RFC3339) + "]"
	for _, col := range statsColumns {
		v := values[col.metric]
		if col.metric == "jupiter_connection_state" {
			line += fmt.Sprintf(" %s=%s", col.label, scada.ConnectionState(int32(v)).String())
			continue
		}
		line += fmt.Sprintf(" %s=%.0f", col.label, v)
	}
	return line
}
