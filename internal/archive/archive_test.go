package archive

import (
	"context"
	"errors"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/J1nWo0/Visitor-Monitoring-System/internal/codec"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/logging"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/types"
	"github.com/google/go-cmp/cmp"
)

var fixedNow = time.Date(2025, 3, 14, 9, 0, 0, 0, time.Local)

func crop(t *testing.T, shade byte) []byte {
	t.Helper()
	img := types.Image{Width: 4, Height: 4, Channels: 3, Pix: make([]byte, 48)}
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	blob, err := codec.Encode(img)
	if err != nil {
		t.Fatal(err)
	}
	return blob
}

func entry(t *testing.T, id int, at string) types.Entry {
	t.Helper()
	ts, err := time.ParseInLocation("15:04:05", at, time.Local)
	if err != nil {
		t.Fatal(err)
	}
	return types.Entry{ID: types.IdentityID(id), Record: types.PersonRecord{
		CompressedCrop: crop(t, byte(id*10)),
		ObservedAt:     ts,
	}}
}

func newTestArchiver(root string, rec Recorder) *Archiver {
	return New(Config{
		Root:     root,
		RunID:    "run-1",
		Recorder: rec,
		Now:      func() time.Time { return fixedNow },
		Logger:   logging.Discard(),
	})
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

type memRecorder struct {
	captures []Capture
	err      error
}

func (m *memRecorder) RecordCapture(_ context.Context, c Capture) error {
	m.captures = append(m.captures, c)
	return m.err
}

func TestPersistAtMostOncePerRun(t *testing.T) {
	root := t.TempDir()
	a := newTestArchiver(root, nil)
	ctx := context.Background()

	tick1 := types.EnteringDetails{entry(t, 1, "10:00:01")}
	tick2 := types.EnteringDetails{entry(t, 1, "10:00:01"), entry(t, 2, "10:00:02")}
	tick3 := types.EnteringDetails{entry(t, 2, "10:00:02"), entry(t, 3, "10:00:03"), entry(t, 1, "10:00:01")}

	r1 := a.Persist(ctx, tick1)
	r2 := a.Persist(ctx, tick2)
	r3 := a.Persist(ctx, tick3)

	if len(r1.Written) != 1 || len(r2.Written) != 1 || len(r3.Written) != 1 {
		t.Fatalf("expected one new write per tick, got %d/%d/%d", len(r1.Written), len(r2.Written), len(r3.Written))
	}
	if r2.Skipped != 1 || r3.Skipped != 2 {
		t.Errorf("unexpected skip counts %d/%d", r2.Skipped, r3.Skipped)
	}

	dir := filepath.Join(root, "2025-03-14")
	want := []string{"face_10-00-01.jpg", "face_10-00-02.jpg", "face_10-00-03.jpg"}
	if diff := cmp.Diff(want, listFiles(t, dir)); diff != "" {
		t.Errorf("archive contents mismatch (-want +got):\n%s", diff)
	}
	if a.Count() != 3 {
		t.Errorf("expected 3 archived identities, got %d", a.Count())
	}
}

func TestPersistRepeatedIdentityInOneTick(t *testing.T) {
	root := t.TempDir()
	a := newTestArchiver(root, nil)

	rep := a.Persist(context.Background(), types.EnteringDetails{
		entry(t, 7, "17:00:00"),
		entry(t, 7, "17:00:01"),
	})
	if len(rep.Written) != 1 || len(rep.Errors) != 0 {
		t.Fatalf("expected a single write, got %d written, errors %v", len(rep.Written), rep.Errors)
	}
	// The later record for the identity is the one kept.
	want := []string{"face_17-00-01.jpg"}
	if diff := cmp.Diff(want, listFiles(t, filepath.Join(root, "2025-03-14"))); diff != "" {
		t.Errorf("archive contents mismatch (-want +got):\n%s", diff)
	}
	if a.Count() != 1 {
		t.Errorf("expected 1 archived identity, got %d", a.Count())
	}
}

func TestPersistWritesDecodableJPEG(t *testing.T) {
	root := t.TempDir()
	a := newTestArchiver(root, nil)
	rep := a.Persist(context.Background(), types.EnteringDetails{entry(t, 4, "12:30:45")})
	if len(rep.Written) != 1 {
		t.Fatalf("expected 1 write, got %+v", rep)
	}

	f, err := os.Open(rep.Written[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := jpeg.Decode(f)
	if err != nil {
		t.Fatalf("archived file is not a JPEG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 4 {
		t.Errorf("expected 4x4 image, got %v", b)
	}
}

func TestPersistCorruptCropIsIsolated(t *testing.T) {
	root := t.TempDir()
	a := newTestArchiver(root, nil)

	bad := entry(t, 2, "10:00:02")
	bad.Record.CompressedCrop = []byte("definitely not a blob")
	details := types.EnteringDetails{entry(t, 5, "10:00:05"), bad, entry(t, 9, "10:00:09")}

	rep := a.Persist(context.Background(), details)
	if len(rep.Written) != 2 {
		t.Fatalf("expected 2 writes, got %d", len(rep.Written))
	}
	if len(rep.Errors) != 1 || !codec.IsCodecError(rep.Errors[0]) {
		t.Fatalf("expected one codec error, got %v", rep.Errors)
	}
	if a.Archived(2) {
		t.Error("failed identity must not be marked archived")
	}
	if !a.Archived(5) || !a.Archived(9) {
		t.Error("healthy identities should be archived")
	}

	// A later tick with a good crop for identity 2 succeeds.
	rep = a.Persist(context.Background(), types.EnteringDetails{entry(t, 2, "10:00:02")})
	if len(rep.Written) != 1 || rep.Written[0].IdentityID != 2 {
		t.Errorf("expected identity 2 to be retried, got %+v", rep)
	}
}

func TestPersistDirectoryFailureSkipsTick(t *testing.T) {
	// A regular file where the root directory should be makes MkdirAll fail.
	root := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(root, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	a := newTestArchiver(root, nil)

	rep := a.Persist(context.Background(), types.EnteringDetails{entry(t, 1, "10:00:01"), entry(t, 2, "10:00:02")})
	if len(rep.Written) != 0 {
		t.Errorf("expected no writes, got %d", len(rep.Written))
	}
	var derr *DirectoryError
	if len(rep.Errors) != 1 || !errors.As(rep.Errors[0], &derr) {
		t.Fatalf("expected a single *DirectoryError, got %v", rep.Errors)
	}
	if a.Count() != 0 {
		t.Error("nothing should be archived after a directory failure")
	}
}

func TestPersistSameSecondDoesNotOverwrite(t *testing.T) {
	root := t.TempDir()
	a := newTestArchiver(root, nil)

	rep := a.Persist(context.Background(), types.EnteringDetails{entry(t, 1, "08:15:00"), entry(t, 2, "08:15:00")})
	if len(rep.Written) != 2 {
		t.Fatalf("expected 2 writes, got %d (%v)", len(rep.Written), rep.Errors)
	}
	want := []string{"face_08-15-00.jpg", "face_08-15-00_2.jpg"}
	if diff := cmp.Diff(want, listFiles(t, filepath.Join(root, "2025-03-14"))); diff != "" {
		t.Errorf("archive contents mismatch (-want +got):\n%s", diff)
	}
}

func TestPersistNotifiesRecorder(t *testing.T) {
	root := t.TempDir()
	rec := &memRecorder{err: errors.New("db down")}
	a := newTestArchiver(root, rec)

	rep := a.Persist(context.Background(), types.EnteringDetails{entry(t, 7, "11:11:11")})
	if len(rep.Written) != 1 {
		t.Fatalf("recorder failure must not undo the write, got %+v", rep)
	}
	if len(rep.Errors) != 0 {
		t.Errorf("recorder failure is not a persistence error, got %v", rep.Errors)
	}
	if len(rec.captures) != 1 || rec.captures[0].RunID != "run-1" || rec.captures[0].IdentityID != 7 {
		t.Errorf("unexpected recorded captures %+v", rec.captures)
	}
}

func TestPersistEmpty(t *testing.T) {
	a := newTestArchiver(t.TempDir(), nil)
	rep := a.Persist(context.Background(), nil)
	if len(rep.Written) != 0 || len(rep.Errors) != 0 {
		t.Errorf("expected empty report, got %+v", rep)
	}
}
