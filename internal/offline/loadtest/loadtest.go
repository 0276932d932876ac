// Package loadtest measures the offline engine under load.
//
// A run has two phases. First, concurrent writers apply local mutations
// while offline, the way a clinic tablet accumulates work without a
// network; each Save is timed. Then the network comes back and the queue is
// drained, timing every operation of every pass. Mutations are spread over
// a fixed set of entities so the queue also exercises coalescing.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	gosync "sync"
	"time"

	"github.com/cognitrack/offsync/internal/offline/engine"
	"github.com/cognitrack/offsync/internal/offline/schema"
	"github.com/cognitrack/offsync/internal/offline/sync"
)

// Options configures a run.
type Options struct {
	// Writers is the number of concurrent writers.
	Writers int
	// MutationsPerWriter is how many saves each writer performs.
	MutationsPerWriter int
	// Entities bounds the distinct entity ids per type; repeated ids coalesce.
	Entities int
	// UserID owns every generated entity.
	UserID string
	// Seed makes the generated workload reproducible.
	Seed int64
	// MaxPasses bounds the drain phase.
	MaxPasses int
}

// DefaultOptions returns a moderate workload.
func DefaultOptions() Options {
	return Options{
		Writers:            8,
		MutationsPerWriter: 50,
		Entities:           100,
		UserID:             "loadtest",
		Seed:               42,
		MaxPasses:          5,
	}
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration // Median
	P95       time.Duration
	P99       time.Duration
	Total     int
	Errors    int
	Durations []time.Duration
}

// Report is the outcome of a run.
type Report struct {
	Saves     *LatencyStats
	Queued    int // queue length after the write phase
	Drain     *LatencyStats
	Passes    int
	Remaining int // queue length after the drain phase
	Dropped   int
	Elapsed   time.Duration
}

// Target is the part of the engine a run drives. *engine.Engine implements it.
type Target interface {
	Save(ctx context.Context, e schema.Entity, opts engine.SaveOptions) (schema.Record, error)
	SyncNow(ctx context.Context) (sync.PassResult, error)
	PendingOperationCount(ctx context.Context) (int, error)
	Subscribe(l sync.Listener) (unsubscribe func())
}

// Run executes both phases. goOnline is called between them and must make
// the target report online.
func Run(ctx context.Context, target Target, opts Options, goOnline func()) (*Report, error) {
	defaults := DefaultOptions()
	if opts.Writers <= 0 {
		opts.Writers = defaults.Writers
	}
	if opts.MutationsPerWriter <= 0 {
		opts.MutationsPerWriter = defaults.MutationsPerWriter
	}
	if opts.Entities <= 0 {
		opts.Entities = defaults.Entities
	}
	if opts.MaxPasses <= 0 {
		opts.MaxPasses = defaults.MaxPasses
	}

	start := time.Now()
	report := &Report{}

	saves, err := RunConcurrentSaves(ctx, target, opts)
	if err != nil {
		return nil, err
	}
	report.Saves = saves
	if report.Queued, err = target.PendingOperationCount(ctx); err != nil {
		return nil, err
	}

	if goOnline != nil {
		goOnline()
	}
	if err := drain(ctx, target, opts.MaxPasses, report); err != nil {
		return nil, err
	}
	report.Elapsed = time.Since(start)
	return report, nil
}

// RunConcurrentSaves runs opts.Writers writers, each saving
// opts.MutationsPerWriter generated entities.
func RunConcurrentSaves(ctx context.Context, target Target, opts Options) (*LatencyStats, error) {
	var wg gosync.WaitGroup
	resultsChan := make(chan []time.Duration, opts.Writers)
	errorsChan := make(chan error, opts.Writers)

	for i := 0; i < opts.Writers; i++ {
		wg.Add(1)
		go func(writer int) {
			defer wg.Done()
			// Each writer gets its own source; rand.Rand is not safe for
			// concurrent use.
			gen := newGenerator(opts, opts.Seed+int64(writer))
			durations := make([]time.Duration, 0, opts.MutationsPerWriter)
			for j := 0; j < opts.MutationsPerWriter; j++ {
				e := gen.next()
				begin := time.Now()
				_, err := target.Save(ctx, e, engine.SaveOptions{})
				durations = append(durations, time.Since(begin))
				if err != nil {
					errorsChan <- fmt.Errorf("writer %d save %d (%s %s) failed: %w", writer, j, e.Type(), e.EntityID(), err)
					break
				}
			}
			resultsChan <- durations
		}(i)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	var errs []error
	for err := range errorsChan {
		errs = append(errs, err)
	}
	var all []time.Duration
	for durations := range resultsChan {
		all = append(all, durations...)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no saves completed: %w", errors.Join(errs...))
	}

	stats := computeLatencyStats(all)
	stats.Errors = len(errs)
	return stats, nil
}

// drain runs passes until the queue is empty, a pass makes no progress, or
// maxPasses is reached. Each operation's latency is the gap between its
// event and the previous one in the same pass.
func drain(ctx context.Context, target Target, maxPasses int, report *Report) error {
	var mu gosync.Mutex
	var durations []time.Duration
	var last time.Time

	unsubscribe := target.Subscribe(func(e sync.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch e.Type {
		case sync.EventSyncStarted:
			last = e.Time
		case sync.EventOperationSynced, sync.EventOperationFailed, sync.EventConflict:
			durations = append(durations, e.Time.Sub(last))
			last = e.Time
		}
	})
	defer unsubscribe()

	for report.Passes < maxPasses {
		result, err := target.SyncNow(ctx)
		if err != nil {
			return fmt.Errorf("drain pass %d: %w", report.Passes+1, err)
		}
		report.Passes++
		report.Dropped += len(result.Dropped)

		remaining, err := target.PendingOperationCount(ctx)
		if err != nil {
			return err
		}
		report.Remaining = remaining
		if remaining == 0 || result.SuccessCount == 0 {
			break
		}
	}

	mu.Lock()
	defer mu.Unlock()
	report.Drain = computeLatencyStats(durations)
	return nil
}

// generator produces a realistic mix of entity mutations.
type generator struct {
	opts Options
	rng  *rand.Rand
	seq  int
}

func newGenerator(opts Options, seed int64) *generator {
	return &generator{opts: opts, rng: rand.New(rand.NewSource(seed))}
}

// Mix: results 40%, sessions 30%, settings 20%, profiles 10%.
var typeMix = []schema.EntityType{
	schema.TypeAssessmentResult, schema.TypeAssessmentResult, schema.TypeAssessmentResult, schema.TypeAssessmentResult,
	schema.TypeAssessmentSession, schema.TypeAssessmentSession, schema.TypeAssessmentSession,
	schema.TypeSetting, schema.TypeSetting,
	schema.TypeUserProfile,
}

var assessmentTypes = []string{"moca", "mmse", "phq9", "gad7"}

func (g *generator) next() schema.Entity {
	g.seq++
	t := typeMix[g.rng.Intn(len(typeMix))]
	id := fmt.Sprintf("lt-%s-%04d", t, g.rng.Intn(g.opts.Entities))
	kind := assessmentTypes[g.rng.Intn(len(assessmentTypes))]

	switch t {
	case schema.TypeAssessmentResult:
		const maxScore = 30
		return &schema.AssessmentResult{
			ID:             id,
			UserID:         g.opts.UserID,
			SessionID:      fmt.Sprintf("lt-session-%04d", g.rng.Intn(g.opts.Entities)),
			AssessmentType: kind,
			Score:          g.rng.Intn(maxScore + 1),
			MaxScore:       maxScore,
			Answers:        map[string]int{"q1": g.rng.Intn(4), "q2": g.rng.Intn(4)},
			CompletedAt:    time.Now().UnixMilli(),
		}
	case schema.TypeAssessmentSession:
		return &schema.AssessmentSession{
			ID:              id,
			UserID:          g.opts.UserID,
			AssessmentType:  kind,
			Status:          "in_progress",
			CurrentQuestion: g.rng.Intn(20),
			Responses:       map[string]int{fmt.Sprintf("q%d", g.seq%20): g.rng.Intn(4)},
			StartedAt:       time.Now().UnixMilli(),
		}
	case schema.TypeSetting:
		return &schema.Setting{
			ID:     id,
			UserID: g.opts.UserID,
			Value:  []byte(fmt.Sprintf("%d", g.seq)),
		}
	default:
		return &schema.UserProfile{
			ID:          id,
			UserID:      g.opts.UserID,
			DisplayName: fmt.Sprintf("Load test %d", g.seq),
			Locale:      "en",
			Preferences: map[string]any{"fontScale": float64(1 + g.rng.Intn(3))},
		}
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Total:     len(durations),
		Durations: sorted,
	}
}

// Print formats latency statistics under title.
func (s *LatencyStats) Print(w io.Writer, title string) {
	fmt.Fprintf(w, "%s:\n", title)
	fmt.Fprintf(w, "  Total:         %d\n", s.Total)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}

// Print formats the whole report.
func (r *Report) Print(w io.Writer) {
	r.Saves.Print(w, "Local saves")
	fmt.Fprintf(w, "Queued after writes: %d\n", r.Queued)
	r.Drain.Print(w, "Drain (per operation)")
	fmt.Fprintf(w, "Passes: %d  Remaining: %d  Dropped: %d  Elapsed: %v\n",
		r.Passes, r.Remaining, r.Dropped, r.Elapsed)
}
