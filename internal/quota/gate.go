package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Action string

const ActionVoice Action = "voice"

const ReasonDailyLimit = "daily_limit_reached"

// ErrDenied is returned by callers that refuse to start a metered action.
var ErrDenied = errors.New("quota denied")

// Decision is the answer to a single authorization request. Remaining is -1
// when the gate is unlimited.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	Remaining int    `json:"remaining"`
}

// Gate authorizes metered actions and records their use.
type Gate interface {
	Authorize(ctx context.Context, subjectID string, action Action) (Decision, error)
	Debit(ctx context.Context, subjectID string, action Action) error
}

// NewGate returns a Postgres-backed gate when a pool is given, otherwise an
// in-memory one. A limit <= 0 disables the daily cap.
func NewGate(pool *pgxpool.Pool, dailyLimit int, clk clock.Clock) Gate {
	if pool == nil {
		return NewMemoryGate(dailyLimit, clk)
	}
	return NewPostgresGate(pool, dailyLimit, clk)
}

func decide(used, limit int) Decision {
	if limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}
	}
	remaining := limit - used
	if remaining <= 0 {
		return Decision{Allowed: false, Reason: ReasonDailyLimit, Remaining: 0}
	}
	return Decision{Allowed: true, Remaining: remaining}
}

func dayOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// MemoryGate counts usage per subject per UTC day in process memory.
type MemoryGate struct {
	limit int
	clock clock.Clock

	mu   sync.Mutex
	used map[string]int
}

func NewMemoryGate(dailyLimit int, clk clock.Clock) *MemoryGate {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryGate{limit: dailyLimit, clock: clk, used: make(map[string]int)}
}

func (g *MemoryGate) Authorize(_ context.Context, subjectID string, action Action) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return decide(g.used[g.key(subjectID, action)], g.limit), nil
}

func (g *MemoryGate) Debit(_ context.Context, subjectID string, action Action) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.used[g.key(subjectID, action)]++
	return nil
}

// Used reports today's count for subject and action.
func (g *MemoryGate) Used(subjectID string, action Action) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.used[g.key(subjectID, action)]
}

func (g *MemoryGate) key(subjectID string, action Action) string {
	return fmt.Sprintf("%s|%s|%s", subjectID, action, dayOf(g.clock.Now()))
}
