package batch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestEachRunsConcurrentlyAndKeepsOrder(t *testing.T) {
	t.Parallel()

	var running, peak atomic.Int32
	errs := Each(context.Background(), 4, func(_ context.Context, i int) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		if i%2 == 1 {
			return errors.New("odd")
		}
		return nil
	})

	if peak.Load() < 2 {
		t.Fatalf("expected concurrent execution, peak = %d", peak.Load())
	}
	for i, err := range errs {
		if (i%2 == 1) != (err != nil) {
			t.Fatalf("item %d: unexpected error %v", i, err)
		}
	}
}

func TestAny(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	tests := []struct {
		name string
		errs []error
		want bool
	}{
		{name: "empty", want: false},
		{name: "all failed", errs: []error{boom, boom}, want: false},
		{name: "one success", errs: []error{boom, nil}, want: true},
	}
	for _, tt := range tests {
		if got := Any(tt.errs); got != tt.want {
			t.Fatalf("%s: Any() = %v, want %v", tt.name, got, tt.want)
		}
	}
}
