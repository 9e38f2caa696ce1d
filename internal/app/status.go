package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"trade-warden/internal/audit"
	"trade-warden/internal/plane"
)

// Status renders the status document of a running instance. It prefers
// the live operator API and falls back to the last written snapshot
// file when the API is unreachable.
func (a *App) Status(ctx context.Context, opts StatusOptions) error {
	url := opts.URL
	if url == "" {
		url = statusURLFromListen(a.Config.API.Listen)
	}

	st, err := fetchStatus(ctx, url)
	if err != nil {
		snap, snapErr := a.readSnapshotStatus()
		if snapErr != nil {
			return fmt.Errorf("fetch status: %w (snapshot fallback: %v)", err, snapErr)
		}
		fmt.Fprintf(os.Stderr, "operator API unreachable (%v); showing snapshot written %s\n",
			err, snap.GeneratedAt.UTC().Format(time.RFC3339))
		renderStatus(os.Stdout, snap)
		return nil
	}

	renderStatus(os.Stdout, st)
	return nil
}

func fetchStatus(ctx context.Context, url string) (plane.Status, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return plane.Status{}, err
	}
	req.Header.Set("User-Agent", outboundUserAgent)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return plane.Status{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return plane.Status{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var st plane.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return plane.Status{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func (a *App) readSnapshotStatus() (plane.Status, error) {
	if a.Config.Audit.Dir == "" {
		return plane.Status{}, errors.New("audit.dir 未配置")
	}
	data, err := os.ReadFile(audit.SnapshotPath(a.Config.Audit.Dir))
	if err != nil {
		return plane.Status{}, err
	}
	var st plane.Status
	if err := json.Unmarshal(data, &st); err != nil {
		return plane.Status{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return st, nil
}

func statusURLFromListen(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://127.0.0.1:8337/status"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s/status", net.JoinHostPort(host, port))
}

func renderStatus(out io.Writer, st plane.Status) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "App\t%s (%s)\n", st.App, st.Version)
	fmt.Fprintf(writer, "Mode\t%s\n", st.Mode)
	fmt.Fprintf(writer, "Uptime\t%s\n", time.Duration(st.UptimeSeconds)*time.Second)
	if st.FailSafe.DegradedSince != nil {
		fmt.Fprintf(writer, "Degraded since\t%s\n", st.FailSafe.DegradedSince.UTC().Format(time.RFC3339))
	}
	if st.FailSafe.RollbackRequested {
		fmt.Fprintf(writer, "Rollback\trequested (%s)\n", st.FailSafe.RollbackReason)
	}
	if st.Regime != nil {
		fmt.Fprintf(writer, "Regime\t%s (confidence %.2f)\n", st.Regime.Name, st.Regime.Confidence)
	}
	fmt.Fprintf(writer, "SLO window\tuptime %.2f%% / error %.2f%% / p95 %.1f ms (%d samples)\n",
		st.SLO.AvgUptimePct, st.SLO.AvgErrorRatePct, st.SLO.MaxLatencyP95MS, st.SLO.SampleCount)
	fmt.Fprintf(writer, "Quote budget\t%.1f of %.1f tokens\n", st.QuoteBudget.Tokens, st.QuoteBudget.Capacity)
	fmt.Fprintf(writer, "Orders\t%d admitted / %d suppressed\n", st.OrderGuard.Admitted, st.OrderGuard.Suppressed)
	if st.ScanFailures > 0 {
		fmt.Fprintf(writer, "Failed scans\t%d consecutive\n", st.ScanFailures)
	}
	writer.Flush()

	if len(st.Integrations) > 0 {
		fmt.Fprintln(out)
		writer = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Integration\tClass\tState\tFailures\tLast latency\tLast error")
		for _, snap := range st.Integrations {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%.1f ms\t%s\n",
				snap.Name, snap.Class, snap.State, snap.ConsecutiveFailures,
				snap.LastLatencyMS, sanitizeInline(snap.LastError))
		}
		writer.Flush()
	}

	if len(st.Heartbeats) > 0 {
		fmt.Fprintln(out)
		writer = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Subsystem\tLast seen (UTC)\tMissed\tTimeout")
		for _, hb := range st.Heartbeats {
			fmt.Fprintf(writer, "%s\t%s\t%d\t%s\n",
				hb.Name, hb.LastSeen.UTC().Format(time.RFC3339), hb.MissedCount, hb.Timeout)
		}
		writer.Flush()
	}

	if len(st.Breaches) > 0 {
		fmt.Fprintln(out)
		writer = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Breach (UTC)\tReasons")
		for _, breach := range st.Breaches {
			fmt.Fprintf(writer, "%s\t%s\n",
				breach.TS.UTC().Format(time.RFC3339), strings.Join(breach.Reasons, ","))
		}
		writer.Flush()
	}
}
