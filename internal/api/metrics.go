package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/penhold/squire/internal/buildinfo"
)

// handleMetrics serves the Prometheus text exposition format, rendered
// by hand. Gauges that reset daily (tokens, spend) are gauges, not
// counters.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprint(w, s.renderMetrics(r.Context()))
}

func (s *Server) renderMetrics(ctx context.Context) string {
	var b strings.Builder

	metric(&b, "squire_up", "gauge", "Whether the process is running.")
	fmt.Fprintf(&b, "squire_up 1\n")

	metric(&b, "squire_ready", "gauge", "Whether startup initialization completed.")
	fmt.Fprintf(&b, "squire_ready %d\n", boolGauge(s.ready.Load()))

	metric(&b, "squire_uptime_seconds", "gauge", "Process uptime in seconds.")
	fmt.Fprintf(&b, "squire_uptime_seconds %d\n", int64(buildinfo.Uptime().Seconds()))

	// %q matches the exposition escaping rules for label values
	// (backslash, double quote, newline).
	metric(&b, "squire_build_info", "gauge", "Build metadata; value is always 1.")
	fmt.Fprintf(&b, "squire_build_info{version=%q,commit=%q} 1\n",
		buildinfo.Version, buildinfo.GitCommit)

	if s.outbox != nil {
		if depth, err := s.outbox.Depth(ctx); err == nil {
			metric(&b, "squire_outbound_queue_depth", "gauge", "Undelivered messages in the outbound queue.")
			fmt.Fprintf(&b, "squire_outbound_queue_depth %d\n", depth)
		}
	}

	if s.usage != nil {
		now := time.Now()
		if sum, err := s.usage.Summary(ctx, midnightUTC(now), now); err == nil {
			metric(&b, "squire_tokens_today", "gauge", "Tokens recorded in the usage ledger since midnight UTC.")
			fmt.Fprintf(&b, "squire_tokens_today{direction=\"input\"} %d\n", sum.TotalInputTokens)
			fmt.Fprintf(&b, "squire_tokens_today{direction=\"output\"} %d\n", sum.TotalOutputTokens)

			metric(&b, "squire_llm_requests_today", "gauge", "LLM calls recorded since midnight UTC.")
			fmt.Fprintf(&b, "squire_llm_requests_today %d\n", sum.TotalRecords)

			metric(&b, "squire_spend_today_usd", "gauge", "Estimated cost recorded since midnight UTC.")
			fmt.Fprintf(&b, "squire_spend_today_usd %g\n", sum.TotalCostUSD)
		}
	}

	if s.coll != nil {
		counts := s.coll.Counts()
		if len(counts) > 0 {
			kinds := make([]string, 0, len(counts))
			for k := range counts {
				kinds = append(kinds, k)
			}
			sort.Strings(kinds)

			metric(&b, "squire_events_total", "counter", "Operational events since process start, by kind.")
			for _, k := range kinds {
				fmt.Fprintf(&b, "squire_events_total{kind=%q} %d\n", k, counts[k])
			}
		}
	}

	if s.watch != nil {
		status := s.watch.Status()
		if len(status) > 0 {
			names := make([]string, 0, len(status))
			for n := range status {
				names = append(names, n)
			}
			sort.Strings(names)

			metric(&b, "squire_service_up", "gauge", "Reachability of external services, by name.")
			for _, n := range names {
				fmt.Fprintf(&b, "squire_service_up{service=%q} %d\n",
					n, boolGauge(status[n].Ready))
			}
		}
	}

	return b.String()
}

func metric(b *strings.Builder, name, typ, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, typ)
}

func boolGauge(v bool) int {
	if v {
		return 1
	}
	return 0
}
