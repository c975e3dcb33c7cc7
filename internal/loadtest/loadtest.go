// Package loadtest checks that concurrent merging converges.
//
// It generates randomized candidate streams for a set of tasks (versions
// drawn from a small range so equal-version conflicts are common, mixed
// sources, occasional tombstones), applies them from many goroutines in a
// shuffled order and compares the stored result with the state predicted
// from the candidates alone.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/mschirtzinger/huddle/internal/merge"
	"github.com/mschirtzinger/huddle/internal/schema"
	"github.com/mschirtzinger/huddle/internal/store"
)

// ProjectID is the project all generated tasks belong to.
const ProjectID = "p-load"

// Options shape the generated workload.
type Options struct {
	Entities            int
	CandidatesPerEntity int
	// Versions is the number of distinct timestamps per entity. Fewer
	// versions mean more equal-version conflicts.
	Versions     int
	TombstonePct float64
	Seed         int64
}

// DefaultOptions returns a moderate workload.
func DefaultOptions() Options {
	return Options{
		Entities:            200,
		CandidatesPerEntity: 12,
		Versions:            4,
		TombstonePct:        0.1,
		Seed:                42,
	}
}

// Harness is a store plus applier to run workloads against.
type Harness struct {
	Store   *store.Store
	Applier *merge.Applier
}

// LatencyStats summarizes Apply latencies.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration
	P95        time.Duration
	P99        time.Duration
	Total      int
	Errors     int
	Throughput float64 // applies per second
}

// Report is the outcome of one Run.
type Report struct {
	Latency  *LatencyStats
	Outcomes map[merge.Outcome]int
	Elapsed  time.Duration
}

// Expectation is the predicted final state of one entity.
type Expectation struct {
	Deleted bool
	// MinVersion is the lowest acceptable tombstone version. A tombstone
	// keeps the newest version seen before it, which depends on order.
	MinVersion time.Time
	// Winner is the expected live state.
	Winner *schema.Candidate
}

// CreateHarness opens a store at dbPath.
func CreateHarness(dbPath string) (*Harness, error) {
	s, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	s.RawDB().SetMaxOpenConns(32)
	return &Harness{Store: s, Applier: merge.New(s, merge.Config{})}, nil
}

// Close closes the store.
func (h *Harness) Close() error {
	return h.Store.Close()
}

// Generate builds the candidate stream for opts. The same options always
// produce the same stream.
func Generate(opts Options) ([]schema.Candidate, error) {
	if opts.Entities <= 0 || opts.CandidatesPerEntity <= 0 {
		return nil, fmt.Errorf("entities and candidates per entity must be positive")
	}
	if opts.Versions <= 0 {
		opts.Versions = 1
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sources := []schema.Source{schema.SourcePull, schema.SourceEvent, schema.SourceLocalConfirm}
	statuses := []schema.TaskStatus{schema.StatusTodo, schema.StatusInProgress, schema.StatusDone, schema.StatusBacklog}

	out := make([]schema.Candidate, 0, opts.Entities*opts.CandidatesPerEntity)
	for i := 0; i < opts.Entities; i++ {
		id := fmt.Sprintf("lt-%05d", i)
		for j := 0; j < opts.CandidatesPerEntity; j++ {
			at := base.Add(time.Duration(rng.Intn(opts.Versions)) * time.Second)
			src := sources[rng.Intn(len(sources))]
			if rng.Float64() < opts.TombstonePct/float64(opts.CandidatesPerEntity) {
				out = append(out, schema.Tombstone(schema.KindTask, id, ProjectID, at, src))
				continue
			}
			c, err := schema.NewCandidate(&schema.Task{
				ID:        id,
				ProjectID: ProjectID,
				Title:     fmt.Sprintf("Task %d rev %d", i, rng.Intn(3)),
				Status:    statuses[rng.Intn(len(statuses))],
				Priority:  schema.PriorityMedium,
				UpdatedAt: at,
			}, src)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
	}
	return out, nil
}

// Expect predicts the converged state from the candidates alone: any
// tombstone deletes the entity; otherwise the newest version wins, then the
// highest source rank, then the greatest content.
func Expect(cands []schema.Candidate) map[schema.Key]*Expectation {
	out := make(map[schema.Key]*Expectation)
	for i := range cands {
		c := cands[i]
		e := out[c.Key()]
		if e == nil {
			e = &Expectation{}
			out[c.Key()] = e
		}
		if c.Deleted {
			e.Deleted = true
			if c.UpdatedAt.After(e.MinVersion) {
				e.MinVersion = c.UpdatedAt
			}
			continue
		}
		if e.Winner == nil || beats(c, *e.Winner) {
			e.Winner = &c
		}
	}
	return out
}

func beats(a, b schema.Candidate) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	if a.Source.Rank() != b.Source.Rank() {
		return a.Source.Rank() > b.Source.Rank()
	}
	return a.CompareContent(b) > 0
}

// Run applies cands from workers goroutines in a shuffled order.
func (h *Harness) Run(ctx context.Context, cands []schema.Candidate, workers int, seed int64) (*Report, error) {
	if workers <= 0 {
		workers = 1
	}
	shuffled := append([]schema.Candidate(nil), cands...)
	rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	work := make(chan schema.Candidate)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		durations = make([]time.Duration, 0, len(shuffled))
		outcomes  = make(map[merge.Outcome]int)
		errs      []error
	)

	start := time.Now()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range work {
				t := time.Now()
				d, err := h.Applier.Apply(ctx, c)
				elapsed := time.Since(t)

				mu.Lock()
				durations = append(durations, elapsed)
				if err != nil {
					errs = append(errs, fmt.Errorf("apply %s: %w", c.Key(), err))
				} else {
					outcomes[d.Outcome]++
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, c := range shuffled {
		select {
		case work <- c:
		case <-ctx.Done():
			break feed
		}
	}
	close(work)
	wg.Wait()
	elapsed := time.Since(start)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stats := computeLatencyStats(durations)
	stats.Errors = len(errs)
	if elapsed > 0 {
		stats.Throughput = float64(len(durations)) / elapsed.Seconds()
	}
	report := &Report{Latency: stats, Outcomes: outcomes, Elapsed: elapsed}
	return report, errors.Join(errs...)
}

// Verify compares the store with want and returns every mismatch.
func (h *Harness) Verify(ctx context.Context, want map[schema.Key]*Expectation) error {
	keys := make([]schema.Key, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var errs []error
	for _, k := range keys {
		e := want[k]
		row, err := h.Store.GetContext(ctx, k.Kind, k.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
			continue
		}
		switch {
		case e.Deleted:
			if !row.Deleted {
				errs = append(errs, fmt.Errorf("%s: expected tombstone, found live state", k))
			} else if row.UpdatedAt.Before(e.MinVersion) {
				errs = append(errs, fmt.Errorf("%s: tombstone version %s older than %s", k, row.UpdatedAt, e.MinVersion))
			}
		case row.Deleted:
			errs = append(errs, fmt.Errorf("%s: unexpected tombstone", k))
		case !row.UpdatedAt.Equal(e.Winner.UpdatedAt) || !row.SameContent(*e.Winner):
			errs = append(errs, fmt.Errorf("%s: converged to %s@%s, want %s@%s",
				k, row.Data, row.UpdatedAt.Format(time.RFC3339), e.Winner.Data, e.Winner.UpdatedAt.Format(time.RFC3339)))
		}
	}
	return errors.Join(errs...)
}

func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return &LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Total: len(sorted),
	}
}

// Print writes the statistics to w.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Applies:       %d\n", s.Total)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Throughput:    %.0f/s\n", s.Throughput)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
