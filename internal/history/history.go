package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LaynePeng/CHSnapstart/internal/bench"
	"github.com/LaynePeng/CHSnapstart/internal/config"
	"github.com/LaynePeng/CHSnapstart/internal/negotiate"
)

const (
	bucketRuns = "runs"
	keyPrefix  = "run/"

	// keyLayout is fixed width so keys sort chronologically.
	keyLayout = "20060102T150405.000000000Z"
)

// Trial is the persisted form of a negotiation trial.
type Trial struct {
	Strategy config.Strategy  `json:"strategy"`
	Stage    negotiate.Stage  `json:"stage"`
	Result   negotiate.Result `json:"result"`
	Error    string           `json:"error,omitempty"`
	Elapsed  time.Duration    `json:"elapsed"`
}

// Record is everything kept about one run.
type Record struct {
	ID         string          `json:"id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Hypervisor string          `json:"hypervisor_version,omitempty"`
	RootFS     string          `json:"rootfs"`
	Mode       negotiate.Mode  `json:"mode,omitempty"`
	Strategy   config.Strategy `json:"strategy"`
	Trials     []Trial         `json:"trials,omitempty"`
	Results    []bench.Result  `json:"results,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// SetOutcome copies the negotiation decision into the record.
func (r *Record) SetOutcome(o negotiate.Outcome) {
	r.Mode = o.Mode
	r.Strategy = o.Strategy
	r.Trials = make([]Trial, 0, len(o.Trials))
	for _, t := range o.Trials {
		r.Trials = append(r.Trials, Trial{
			Strategy: t.Strategy,
			Stage:    t.Stage,
			Result:   t.Result,
			Error:    t.ErrText(),
			Elapsed:  t.Elapsed,
		})
	}
}

// History stores run records keyed by start time.
type History struct {
	store Store[Record]
}

// New wraps store.
func New(store Store[Record]) *History {
	return &History{store: store}
}

// Open returns the bolt-backed history at path, or an in-memory history
// when path is empty.
func Open(path string) (*History, error) {
	if path == "" {
		return New(NewInMemoryStore[Record]()), nil
	}
	s, err := OpenBolt[Record](path, bucketRuns, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return New(s), nil
}

// NewRecord starts a record for a run beginning at startedAt.
func NewRecord(startedAt time.Time) *Record {
	startedAt = startedAt.UTC()
	return &Record{ID: startedAt.Format(keyLayout), StartedAt: startedAt}
}

// Append stores r, replacing any record with the same ID.
func (h *History) Append(ctx context.Context, r *Record) error {
	if r.ID == "" {
		return errors.New("history record has no id")
	}
	if err := h.store.Set(ctx, keyPrefix+r.ID, r); err != nil {
		return fmt.Errorf("store run %s: %w", r.ID, err)
	}
	return nil
}

// Get returns the record with the given ID.
func (h *History) Get(ctx context.Context, id string) (*Record, error) {
	return h.store.Get(ctx, keyPrefix+id)
}

// Recent returns up to limit records, newest first. A limit of zero or less
// returns every record.
func (h *History) Recent(ctx context.Context, limit int) ([]Record, error) {
	var all []Record
	err := h.store.Scan(ctx, keyPrefix, func(_ string, r *Record) error {
		all = append(all, *r)
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, all[i])
	}
	return out, nil
}

// Prune deletes all but the newest keep records and returns how many were
// removed.
func (h *History) Prune(ctx context.Context, keep int) (int, error) {
	var keys []string
	err := h.store.Scan(ctx, keyPrefix, func(k string, _ *Record) error {
		keys = append(keys, k)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	if len(keys) <= keep {
		return 0, nil
	}

	stale := keys[:len(keys)-keep]
	for _, k := range stale {
		if err := h.store.Delete(ctx, k); err != nil {
			return 0, fmt.Errorf("delete %s: %w", k, err)
		}
	}
	return len(stale), nil
}

// Close releases the underlying store.
func (h *History) Close() error {
	return h.store.Close()
}
