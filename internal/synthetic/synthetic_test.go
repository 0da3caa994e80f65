package synthetic

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/J1nWo0/Visitor-Monitoring-System/internal/codec"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/producer"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/types"
	"github.com/google/go-cmp/cmp"
)

var fixedNow = time.Date(2025, 6, 1, 17, 0, 0, 0, time.UTC)

func pull(t *testing.T, a *Algorithm, n int) []*types.ResultFrame {
	t.Helper()
	var out []*types.ResultFrame
	for i := 0; i < n; i++ {
		f, err := a.Next(context.Background())
		if err != nil {
			t.Fatalf("Next #%d failed: %v", i+1, err)
		}
		out = append(out, f)
	}
	return out
}

func TestExhaustsAfterFrames(t *testing.T) {
	a := New(Config{Frames: 5, Width: 8, Height: 4, Now: func() time.Time { return fixedNow }})
	frames := pull(t, a, 5)
	if frames[4].Seq != 5 {
		t.Errorf("expected seq 5, got %d", frames[4].Seq)
	}
	if _, err := a.Next(context.Background()); !errors.Is(err, producer.ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestIdentitiesEnter(t *testing.T) {
	a := New(Config{Width: 8, Height: 4, EnterEvery: 2, Keep: 2, Now: func() time.Time { return fixedNow }})
	frames := pull(t, a, 8)

	counts := make([]int, len(frames))
	for i, f := range frames {
		counts[i] = len(f.Entering)
	}
	if diff := cmp.Diff([]int{0, 1, 1, 2, 2, 2, 2, 2}, counts); diff != "" {
		t.Errorf("entering counts mismatch (-want +got):\n%s", diff)
	}

	last := frames[7].Entering
	if last[0].ID != 3 || last[1].ID != 4 {
		t.Errorf("expected the newest two identities (3, 4), got %d, %d", last[0].ID, last[1].ID)
	}
	crop, err := codec.Decode(last[1].Record.CompressedCrop)
	if err != nil {
		t.Fatalf("crop does not decode: %v", err)
	}
	if diff := cmp.Diff(Face(4), crop); diff != "" {
		t.Errorf("crop mismatch (-want +got):\n%s", diff)
	}
	if !last[1].Record.ObservedAt.Equal(fixedNow) {
		t.Errorf("unexpected timestamp %v", last[1].Record.ObservedAt)
	}

	// Frames handed out earlier keep their own view.
	if frames[3].Entering[0].ID != 1 {
		t.Errorf("earlier frame was mutated: %+v", frames[3].Entering)
	}
}

func TestDeterministic(t *testing.T) {
	cfg := Config{Frames: 6, Width: 4, Height: 4, EnterEvery: 3, Now: func() time.Time { return fixedNow }}
	first := pull(t, New(cfg), 6)
	second := pull(t, New(cfg), 6)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("two fresh instances diverged (-first +second):\n%s", diff)
	}
}

func TestCloseEndsStream(t *testing.T) {
	a := New(Config{Pace: time.Hour})
	done := make(chan error, 1)
	go func() {
		_, err := a.Next(context.Background())
		done <- err
	}()
	a.Close()
	select {
	case err := <-done:
		if !errors.Is(err, producer.ErrExhausted) {
			t.Errorf("expected ErrExhausted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not unblock Next")
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestPaceHonoursContext(t *testing.T) {
	a := New(Config{Pace: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := a.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestStaticRegions(t *testing.T) {
	r := StaticRegions(image.Pt(300, 90))
	if !r.A.IsSet() || !r.B.IsSet() {
		t.Fatal("both regions must be set")
	}
	if r.A.Points[0].Y != 30 || r.B.Points[0].Y != 60 {
		t.Errorf("unexpected line heights %v %v", r.A.Points, r.B.Points)
	}
	if d := StaticRegions(image.Point{}); d.A.Points[1].X != DefaultWidth-1 {
		t.Errorf("zero size should fall back to defaults, got %v", d.A.Points)
	}
}
