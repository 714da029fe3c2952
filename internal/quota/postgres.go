package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresGate keeps daily usage counters in the voice_usage table.
type PostgresGate struct {
	pool  *pgxpool.Pool
	limit int
	clock clock.Clock
}

func NewPostgresGate(pool *pgxpool.Pool, dailyLimit int, clk clock.Clock) *PostgresGate {
	if clk == nil {
		clk = clock.New()
	}
	return &PostgresGate{pool: pool, limit: dailyLimit, clock: clk}
}

func (g *PostgresGate) Authorize(ctx context.Context, subjectID string, action Action) (Decision, error) {
	if g.limit <= 0 {
		return decide(0, 0), nil
	}
	var used int
	err := g.pool.QueryRow(ctx,
		`SELECT used FROM voice_usage WHERE subject_id=$1 AND action=$2 AND day=$3::date`,
		subjectID, string(action), dayOf(g.clock.Now()),
	).Scan(&used)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Decision{}, fmt.Errorf("query usage: %w", err)
	}
	return decide(used, g.limit), nil
}

func (g *PostgresGate) Debit(ctx context.Context, subjectID string, action Action) error {
	_, err := g.pool.Exec(ctx,
		`INSERT INTO voice_usage (subject_id, action, day, used) VALUES ($1, $2, $3::date, 1)
		 ON CONFLICT (subject_id, action, day) DO UPDATE SET used = voice_usage.used + 1`,
		subjectID, string(action), dayOf(g.clock.Now()),
	)
	if err != nil {
		return fmt.Errorf("debit usage: %w", err)
	}
	return nil
}
