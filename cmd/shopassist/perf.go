package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/shopassist/internal/widget"
)

type perfOptions struct {
	baseURL        string
	turns          int
	texts          []string
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	pollInterval   time.Duration
	verbose        bool
}

var defaultUtterances = []string{
	"Which roses do well in shade?",
	"Add a bag of potting soil to my cart.",
	"What fertilizer do you recommend for tomatoes?",
	"Show me my cart.",
}

func newPerfCmd() *cobra.Command {
	var (
		opts     perfOptions
		textsRaw string
	)
	cmd := &cobra.Command{
		Use:   "perf",
		Short: "Replay text turns against a running shopassist and report latency",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.baseURL = strings.TrimRight(strings.TrimSpace(opts.baseURL), "/")
			if opts.baseURL == "" {
				return fmt.Errorf("base-url is required")
			}
			if opts.turns <= 0 {
				return fmt.Errorf("turns must be > 0")
			}
			opts.texts = splitUtterances(textsRaw)
			if len(opts.texts) == 0 {
				return fmt.Errorf("texts produced no non-empty utterances")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 8*time.Minute)
			defer cancel()
			return runPerf(ctx, cmd.OutOrStdout(), &http.Client{Timeout: 30 * time.Second}, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:8090", "shopassist control API base URL")
	f.IntVar(&opts.turns, "turns", 8, "number of turns to replay")
	f.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	f.DurationVar(&opts.interTurnDelay, "inter-turn", 500*time.Millisecond, "delay between turns")
	f.DurationVar(&opts.turnTimeout, "turn-timeout", 15*time.Second, "timeout waiting for an agent reply")
	f.DurationVar(&opts.pollInterval, "poll", 25*time.Millisecond, "transcript poll interval")
	f.BoolVar(&opts.verbose, "verbose", true, "print replay progress")
	return cmd
}

func splitUtterances(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return append([]string(nil), defaultUtterances...)
	}
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func runPerf(ctx context.Context, out io.Writer, client *http.Client, opts perfOptions) error {
	if err := postJSON(ctx, client, opts.baseURL+"/v1/widget/open", nil); err != nil {
		return fmt.Errorf("open widget: %w", err)
	}
	if err := waitFor(ctx, opts.turnTimeout, opts.pollInterval, func() (bool, error) {
		var snap widget.Snapshot
		if err := getJSON(ctx, client, opts.baseURL+"/v1/widget/state", &snap); err != nil {
			return false, err
		}
		return snap.Connection == "open" && snap.AgentBubble == 0, nil
	}); err != nil {
		return fmt.Errorf("wait for connection: %w", err)
	}

	var latencies []time.Duration
	for i := 0; i < opts.turns; i++ {
		text := opts.texts[i%len(opts.texts)]
		before, err := agentReplies(ctx, client, opts.baseURL)
		if err != nil {
			return err
		}
		started := time.Now()
		if err := postJSON(ctx, client, opts.baseURL+"/v1/widget/messages", map[string]string{"text": text}); err != nil {
			return fmt.Errorf("turn %d: send: %w", i+1, err)
		}
		if err := waitFor(ctx, opts.turnTimeout, opts.pollInterval, func() (bool, error) {
			n, err := agentReplies(ctx, client, opts.baseURL)
			return n > before, err
		}); err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		d := time.Since(started)
		latencies = append(latencies, d)
		if opts.verbose {
			fmt.Fprintf(out, "perf: turn=%d first_reply_ms=%d text=%q\n", i+1, d.Milliseconds(), text)
		}
		if opts.interTurnDelay > 0 {
			time.Sleep(opts.interTurnDelay)
		}
	}

	p50, p95 := percentile(latencies, 0.50), percentile(latencies, 0.95)
	fmt.Fprintf(out, "perf: turns=%d p50_ms=%d p95_ms=%d\n", len(latencies), p50.Milliseconds(), p95.Milliseconds())

	var server json.RawMessage
	if err := getJSON(ctx, client, opts.baseURL+"/v1/perf/latency", &server); err != nil {
		return fmt.Errorf("fetch latency snapshot: %w", err)
	}
	var pretty bytes.Buffer
	_ = json.Indent(&pretty, server, "", "  ")
	fmt.Fprintf(out, "perf: server stages\n%s\n", pretty.String())
	return nil
}

func agentReplies(ctx context.Context, client *http.Client, baseURL string) (int, error) {
	var body struct {
		Entries []widget.Entry `json:"entries"`
	}
	if err := getJSON(ctx, client, baseURL+"/v1/widget/transcript?role="+string(widget.RoleAgent), &body); err != nil {
		return 0, err
	}
	return len(body.Entries), nil
}

func waitFor(ctx context.Context, timeout, poll time.Duration, cond func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

// percentile uses nearest-rank on a sorted copy.
func percentile(values []time.Duration, q float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(q*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func postJSON(ctx context.Context, client *http.Client, url string, body any) error {
	var r io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("POST %s: status %d: %s", url, res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("GET %s: status %d: %s", url, res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(res.Body).Decode(out)
}
