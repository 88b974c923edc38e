package opsdb

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const maxSamplesPerQuery = 512

// QueryLatencyStat is a per-query latency distribution over a sliding sample
// window, worst P95 first in snapshots.
type QueryLatencyStat struct {
	Name  string
	Count int
	P50   time.Duration
	P95   time.Duration
	Max   time.Duration
}

type queryLatencyTracker struct {
	mu      sync.Mutex
	samples map[string][]time.Duration
}

func newQueryLatencyTracker() *queryLatencyTracker {
	return &queryLatencyTracker{samples: make(map[string][]time.Duration)}
}

func (t *queryLatencyTracker) observe(name string, duration time.Duration) {
	if t == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "unknown"
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	window := append(t.samples[name], duration)
	if len(window) > maxSamplesPerQuery {
		window = window[len(window)-maxSamplesPerQuery:]
	}
	t.samples[name] = window
}

func (t *queryLatencyTracker) snapshot() []QueryLatencyStat {
	if t == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	stats := make([]QueryLatencyStat, 0, len(t.samples))
	for name, durations := range t.samples {
		if len(durations) == 0 {
			continue
		}
		sorted := make([]time.Duration, len(durations))
		copy(sorted, durations)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		stats = append(stats, QueryLatencyStat{
			Name:  name,
			Count: len(sorted),
			P50:   sorted[(len(sorted)-1)/2],
			P95:   sorted[int(float64(len(sorted)-1)*0.95)],
			Max:   sorted[len(sorted)-1],
		})
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].P95 == stats[j].P95 {
			return stats[i].Name < stats[j].Name
		}
		return stats[i].P95 > stats[j].P95
	})

	return stats
}

// queryName labels a statement by verb and first table so latency samples
// group usefully, e.g. "select ingest_runs".
func queryName(query string) string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(query)))
	if len(fields) == 0 {
		return "unknown"
	}
	verb := fields[0]
	table := ""
	marker := map[string]string{
		"select": "from",
		"delete": "from",
		"insert": "into",
		"update": "",
	}
	keyword, known := marker[verb]
	if !known {
		return verb
	}
	if keyword == "" {
		if len(fields) > 1 {
			table = fields[1]
		}
	} else {
		for i, f := range fields {
			if f == keyword && i+1 < len(fields) {
				table = fields[i+1]
				break
			}
		}
	}
	if table == "" {
		return verb
	}
	table = strings.TrimFunc(table, func(r rune) bool { return r == '(' || r == ')' || r == ';' || r == '"' })
	return verb + " " + table
}
