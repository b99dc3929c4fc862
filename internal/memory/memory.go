// Package memory tracks long-run effectiveness per (agent, pattern) pair.
//
// The registry is the only process-wide mutable state in the engine. Updates
// apply an exponentially-weighted moving average per key under a sharded
// lock, so concurrent chain runs touching the same pattern never lose
// updates. Durable persistence is write-behind: a store failure is logged
// and counted but the in-memory value is retained, so routing decisions
// stay available.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chaind/internal/logging"
)

const (
	shardCount     = 32
	pendingBacklog = 256
)

// Record holds the historical effectiveness for one (agent, pattern) pair.
type Record struct {
	AgentID       string    `json:"agent_id"`
	PatternID     string    `json:"pattern_id"`
	Effectiveness float64   `json:"effectiveness"`
	Samples       int64     `json:"samples"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Key returns the store key for the record.
func (r Record) Key() string {
	return r.AgentID + "/" + r.PatternID
}

// Store persists records durably. Implementations must tolerate concurrent
// Put calls from the write-behind worker.
type Store interface {
	// Load returns all persisted records.
	Load(ctx context.Context) ([]Record, error)

	// Put persists one record, replacing any previous value for its key.
	Put(ctx context.Context, rec Record) error

	// Close releases store resources.
	Close() error
}

// Registry is the concurrency-safe effectiveness memory.
type Registry struct {
	alpha  float64
	shards [shardCount]shard
	store  Store
	logger *logging.Logger

	pending chan Record
	wg      sync.WaitGroup

	closeOnce sync.Once
}

type shard struct {
	mu   sync.Mutex
	recs map[string]Record
}

// NewRegistry creates a registry with the given EWMA smoothing factor.
// store may be nil for in-memory-only operation; when set, existing records
// are hydrated from it and updates are persisted asynchronously.
func NewRegistry(alpha float64, store Store, logger *logging.Logger) (*Registry, error) {
	if alpha <= 0 || alpha > 1 {
		return nil, fmt.Errorf("alpha must be in (0, 1], got %v", alpha)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	r := &Registry{
		alpha:  alpha,
		store:  store,
		logger: logger.Named("memory"),
	}
	for i := range r.shards {
		r.shards[i].recs = make(map[string]Record)
	}

	if store != nil {
		recs, err := store.Load(context.Background())
		if err != nil {
			// Degrade to an empty in-memory registry rather than failing
			// startup on a corrupt or unreadable store.
			storeErrors().Inc()
			r.logger.Warn(context.Background(), "memory store hydration failed",
				zap.Error(err))
		}
		for _, rec := range recs {
			s := r.shardFor(rec.Key())
			s.recs[rec.Key()] = rec
		}

		r.pending = make(chan Record, pendingBacklog)
		r.wg.Add(1)
		go r.persistLoop()
	}

	return r, nil
}

func (r *Registry) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &r.shards[h.Sum32()%shardCount]
}

// Update folds an observed score into the effectiveness for the pair.
// The first observation initializes the effectiveness directly; subsequent
// observations apply newEff = alpha*score + (1-alpha)*oldEff. The updated
// record is returned.
func (r *Registry) Update(ctx context.Context, agentID, patternID string, score float64) Record {
	key := agentID + "/" + patternID
	s := r.shardFor(key)

	s.mu.Lock()
	rec, ok := s.recs[key]
	if !ok {
		rec = Record{AgentID: agentID, PatternID: patternID, Effectiveness: score}
	} else {
		rec.Effectiveness = r.alpha*score + (1-r.alpha)*rec.Effectiveness
	}
	rec.Samples++
	rec.UpdatedAt = time.Now().UTC()
	s.recs[key] = rec
	s.mu.Unlock()

	updatesTotal().Inc()

	if r.pending != nil {
		select {
		case r.pending <- rec:
		default:
			// Writer is behind; keep the in-memory value and drop the
			// durable write rather than blocking the run.
			droppedWrites().Inc()
			r.logger.Warn(ctx, "memory persistence backlog full, dropping write",
				zap.String("key", key))
		}
	}

	return rec
}

// Read returns the record for the pair and whether one exists.
func (r *Registry) Read(agentID, patternID string) (Record, bool) {
	key := agentID + "/" + patternID
	s := r.shardFor(key)

	s.mu.Lock()
	rec, ok := s.recs[key]
	s.mu.Unlock()
	return rec, ok
}

// Effectiveness returns the stored effectiveness, or 0 when unobserved.
func (r *Registry) Effectiveness(agentID, patternID string) float64 {
	rec, ok := r.Read(agentID, patternID)
	if !ok {
		return 0
	}
	return rec.Effectiveness
}

// Snapshot returns all records ordered by (agent, pattern) for a stable
// diagnostic export.
func (r *Registry) Snapshot() []Record {
	var out []Record
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for _, rec := range s.recs {
			out = append(out, rec)
		}
		s.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentID != out[j].AgentID {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].PatternID < out[j].PatternID
	})
	return out
}

// Close drains pending durable writes and closes the store.
func (r *Registry) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		if r.pending != nil {
			close(r.pending)

			done := make(chan struct{})
			go func() {
				r.wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				err = ctx.Err()
				return
			}
		}
		if r.store != nil {
			err = r.store.Close()
		}
	})
	return err
}

// persistLoop applies pending writes to the durable store.
func (r *Registry) persistLoop() {
	defer r.wg.Done()
	for rec := range r.pending {
		if putErr := r.store.Put(context.Background(), rec); putErr != nil {
			storeErrors().Inc()
			r.logger.Warn(context.Background(), "memory store write failed",
				zap.String("key", rec.Key()),
				zap.Error(putErr))
		}
	}
}
