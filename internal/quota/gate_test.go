package quota

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestMemoryGateDailyLimit(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	g := NewMemoryGate(2, mock)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := g.Authorize(ctx, "diver-1", ActionVoice)
		if err != nil || !d.Allowed {
			t.Fatalf("Authorize() #%d = %+v, %v, want allowed", i, d, err)
		}
		if d.Remaining != 2-i {
			t.Fatalf("Remaining = %d, want %d", d.Remaining, 2-i)
		}
		g.Debit(ctx, "diver-1", ActionVoice)
	}

	d, _ := g.Authorize(ctx, "diver-1", ActionVoice)
	if d.Allowed || d.Reason != ReasonDailyLimit {
		t.Fatalf("Authorize() after limit = %+v, want denied with %q", d, ReasonDailyLimit)
	}
	if other, _ := g.Authorize(ctx, "diver-2", ActionVoice); !other.Allowed {
		t.Fatalf("other subject denied: %+v", other)
	}

	mock.Add(24 * time.Hour)
	if next, _ := g.Authorize(ctx, "diver-1", ActionVoice); !next.Allowed {
		t.Fatalf("Authorize() next day = %+v, want allowed", next)
	}
}

func TestMemoryGateUnlimited(t *testing.T) {
	g := NewMemoryGate(0, nil)
	for i := 0; i < 5; i++ {
		g.Debit(context.Background(), "s", ActionVoice)
	}
	d, _ := g.Authorize(context.Background(), "s", ActionVoice)
	if !d.Allowed || d.Remaining != -1 {
		t.Fatalf("Authorize() = %+v, want unlimited", d)
	}
	if g.Used("s", ActionVoice) != 5 {
		t.Fatalf("Used() = %d, want 5", g.Used("s", ActionVoice))
	}
}

func TestNewGateWithoutPoolIsMemory(t *testing.T) {
	if _, ok := NewGate(nil, 3, nil).(*MemoryGate); !ok {
		t.Fatalf("NewGate(nil) did not return a MemoryGate")
	}
}
