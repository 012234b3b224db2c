// internal/chaos/experiments.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lendingdesk/internal/apperr"
	"lendingdesk/internal/auth"
	"lendingdesk/internal/catalog"
	"lendingdesk/internal/circulation"

	"github.com/google/uuid"
)

// Target is the lending system under test. Journal must be the journal the
// catalog and lending engine commit to.
type Target struct {
	Catalog   catalog.Service
	Lending   circulation.Service
	Journal   *FaultyJournal
	Librarian auth.Principal
}

// Experiments returns the standard game day scenarios, each observed for d.
// Every scenario seeds its own shelf and keeps its own counters, so build a
// fresh set for each run.
func (t Target) Experiments(d time.Duration) []Experiment {
	return []Experiment{
		t.JournalOutage(0.5, 40, d),
		t.LastCopyRace(50, d),
		t.JournalLatency(5*time.Millisecond, 20, d),
	}
}

// JournalOutage fails a share of journal appends while members run full
// loan lifecycles. Every failed step must leave no copy behind.
func (t Target) JournalOutage(failureRate float64, members int, d time.Duration) Experiment {
	var (
		books []uuid.UUID
		stats stormStats
	)
	return Experiment{
		Name:        "journal-outage-during-issue-storm",
		Hypothesis:  "Failed journal appends change nothing and surface as unavailable",
		SteadyState: []Probe{t.copyDrift(), stats.unexpectedProbe()},
		Method: []Action{
			t.seed(&books, 3, 2),
			{
				Type:   "fail-journal",
				Target: "journal",
				Execute: func(ctx context.Context) error {
					t.Journal.SetFailureRate(failureRate)
					return nil
				},
			},
			t.storm(&books, members, &stats),
		},
		Rollback: []Action{t.heal()},
		Validation: []Assertion{
			{
				Probe:     "copy_drift",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "every copy off the shelf belongs to exactly one open record",
			},
			{
				Probe:     "unexpected_errors",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "journal failures are reported as unavailable",
			},
		},
		Duration: d,
	}
}

// LastCopyRace has racers request the only copy of one book at once.
func (t Target) LastCopyRace(racers int, d time.Duration) Experiment {
	var (
		books []uuid.UUID
		stats stormStats
	)
	return Experiment{
		Name:       "last-copy-race",
		Hypothesis: "Exactly one concurrent request wins the last copy",
		SteadyState: []Probe{
			t.copyDrift(),
			{
				Name:      "last_copy_winners",
				Query:     func(context.Context) (float64, error) { return float64(stats.get().succeeded), nil },
				Threshold: Threshold{Operator: "<=", Value: 1},
			},
		},
		Method: []Action{
			t.seed(&books, 1, 1),
			{
				Type:   "issue-storm",
				Target: "lending",
				Execute: func(ctx context.Context) error {
					if len(books) == 0 {
						return errors.New("no books seeded")
					}
					var wg sync.WaitGroup
					for i := 0; i < racers; i++ {
						p := newMember()
						wg.Add(1)
						go func() {
							defer wg.Done()
							_, err := t.Lending.RequestIssue(ctx, p, books[0], p.UserID)
							stats.note(err)
						}()
					}
					wg.Wait()
					return stats.failure()
				},
			},
		},
		Validation: []Assertion{
			{
				Probe:     "last_copy_winners",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "one request takes the last copy",
			},
			{
				Probe:     "copy_drift",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "every copy off the shelf belongs to exactly one open record",
			},
		},
		Duration: d,
	}
}

// JournalLatency slows every append and checks loans still complete.
func (t Target) JournalLatency(latency time.Duration, members int, d time.Duration) Experiment {
	var (
		books []uuid.UUID
		stats stormStats
	)
	return Experiment{
		Name:       "journal-latency",
		Hypothesis: "Loans complete correctly when journal appends are slow",
		SteadyState: []Probe{
			t.copyDrift(),
			stats.unexpectedProbe(),
			{
				Name:      "completed_steps",
				Query:     func(context.Context) (float64, error) { return float64(stats.get().succeeded), nil },
				Threshold: Threshold{Operator: ">=", Value: 0},
			},
		},
		Method: []Action{
			t.seed(&books, 2, 5),
			{
				Type:   "slow-journal",
				Target: "journal",
				Execute: func(ctx context.Context) error {
					t.Journal.SetLatency(latency)
					return nil
				},
			},
			t.storm(&books, members, &stats),
		},
		Rollback: []Action{t.heal()},
		Validation: []Assertion{
			{
				Probe:     "completed_steps",
				Condition: func(v float64) bool { return v > 0 },
				Message:   "loans still complete under latency",
			},
			{
				Probe:     "copy_drift",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "every copy off the shelf belongs to exactly one open record",
			},
		},
		Duration: d,
	}
}

// copyDrift compares copies off the shelf with open records. Any non-zero
// value means a copy leaked or was double counted.
func (t Target) copyDrift() Probe {
	return Probe{
		Name: "copy_drift",
		Query: func(ctx context.Context) (float64, error) {
			d, err := t.Lending.LibrarianDashboard(ctx, t.Librarian)
			if err != nil {
				return 0, err
			}
			out := d.TotalCopies - d.AvailableCopies
			open := d.PendingIssueRequests + d.IssuedBooks
			return float64(out - open), nil
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

func (t Target) seed(books *[]uuid.UUID, n, copies int) Action {
	return Action{
		Type:   "seed-shelf",
		Target: "catalog",
		Execute: func(ctx context.Context) error {
			cat, err := t.Catalog.AddCategory(ctx, t.Librarian, "chaos-"+uuid.NewString())
			if err != nil {
				return err
			}
			for i := 0; i < n; i++ {
				b, err := t.Catalog.AddBook(ctx, t.Librarian, catalog.NewBook{
					ISBN:        uuid.NewString(),
					Title:       fmt.Sprintf("Chaos volume %d", i+1),
					Author:      "Game Day",
					CategoryID:  cat.ID,
					TotalCopies: copies,
				})
				if err != nil {
					return err
				}
				*books = append(*books, b.ID)
			}
			return nil
		},
	}
}

// storm runs one full loan lifecycle per member, all at once.
func (t Target) storm(books *[]uuid.UUID, members int, stats *stormStats) Action {
	return Action{
		Type:   "issue-storm",
		Target: "lending",
		Execute: func(ctx context.Context) error {
			if len(*books) == 0 {
				return errors.New("no books seeded")
			}
			var wg sync.WaitGroup
			for i := 0; i < members; i++ {
				p := newMember()
				book := (*books)[i%len(*books)]
				wg.Add(1)
				go func() {
					defer wg.Done()
					t.lifecycle(ctx, p, book, stats)
				}()
			}
			wg.Wait()
			return stats.failure()
		},
	}
}

func (t Target) lifecycle(ctx context.Context, p auth.Principal, bookID uuid.UUID, stats *stormStats) {
	rec, err := t.Lending.RequestIssue(ctx, p, bookID, p.UserID)
	if !stats.note(err) {
		return
	}
	if _, err = t.Lending.ApproveIssue(ctx, t.Librarian, rec.ID); !stats.note(err) {
		return
	}
	if _, err = t.Lending.RequestReturn(ctx, p, rec.ID); !stats.note(err) {
		return
	}
	_, err = t.Lending.ApproveReturn(ctx, t.Librarian, rec.ID, "")
	stats.note(err)
}

func (t Target) heal() Action {
	return Action{
		Type:   "heal-journal",
		Target: "journal",
		Execute: func(context.Context) error {
			t.Journal.Heal()
			return nil
		},
	}
}

func newMember() auth.Principal {
	return auth.Principal{UserID: uuid.New(), Role: auth.RoleMember}
}

type stormCounts struct {
	succeeded   int
	rejected    int
	unavailable int
	unexpected  int
	lastErr     error
}

// stormStats classifies the outcome of every lending call in a storm.
type stormStats struct {
	mu sync.Mutex
	c  stormCounts
}

// note records err and reports whether the call succeeded.
func (s *stormStats) note(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err == nil:
		s.c.succeeded++
		return true
	case errors.Is(err, apperr.ErrUnavailable):
		s.c.unavailable++
	case apperr.IsRuleViolation(err):
		s.c.rejected++
	default:
		s.c.unexpected++
		s.c.lastErr = err
	}
	return false
}

func (s *stormStats) get() stormCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c
}

// failure returns the last unexpected error, if any.
func (s *stormStats) failure() error {
	c := s.get()
	if c.unexpected == 0 {
		return nil
	}
	return fmt.Errorf("%d unexpected errors, last: %w", c.unexpected, c.lastErr)
}

func (s *stormStats) unexpectedProbe() Probe {
	return Probe{
		Name:      "unexpected_errors",
		Query:     func(context.Context) (float64, error) { return float64(s.get().unexpected), nil },
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}
