package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickWithOffset(t *testing.T) {
	s := New(Options{Interval: 6 * time.Hour, Offset: 4 * time.Hour, AlignToStart: true}, zerolog.Nop())

	cases := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2026, 3, 1, 0, 30, 0, 0, time.UTC), time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC), time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 1, 15, 59, 0, 0, time.UTC), time.Date(2026, 3, 1, 16, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		if got := s.nextTick(tc.now); !got.Equal(tc.want) {
			t.Errorf("nextTick(%s) = %s, want %s", tc.now, got, tc.want)
		}
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: time.Minute}, zerolog.Nop())
	now := time.Date(2026, 3, 1, 0, 0, 30, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected next tick %s", got)
	}
}

func TestRunImmediatelyAndCancel(t *testing.T) {
	s := New(Options{Interval: time.Hour, AlignToStart: true, RunImmediately: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := s.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		calls++
		cancel()
		return nil
	})
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one startup tick, got %d", calls)
	}
}
