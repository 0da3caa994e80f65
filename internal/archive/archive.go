// Package archive writes each identity's face crop to disk once per run.
package archive

import (
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/J1nWo0/Visitor-Monitoring-System/internal/codec"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/types"
)

const (
	dirLayout  = "2006-01-02"
	fileLayout = "15-04-05"

	// DefaultQuality is the usual imwrite JPEG quality.
	DefaultQuality = 95
)

// DefaultRoot is ~/Downloads, the fixed archive location.
func DefaultRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Downloads"), nil
}

// DirectoryError means the dated directory could not be created; the whole
// tick's persistence is skipped.
type DirectoryError struct {
	Path string
	Err  error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("create archive directory %s: %v", e.Path, e.Err)
}

func (e *DirectoryError) Unwrap() error { return e.Err }

// Capture describes one face written to disk.
type Capture struct {
	RunID      string
	IdentityID types.IdentityID
	Path       string
	ObservedAt time.Time
}

// Recorder is notified after each successful write. Optional.
type Recorder interface {
	RecordCapture(ctx context.Context, c Capture) error
}

// Report is the outcome of one Persist call.
type Report struct {
	Written []Capture
	Skipped int     // identities already archived in this run
	Errors  []error // per-identity failures, or a single *DirectoryError
}

// Config configures an Archiver.
type Config struct {
	Root     string
	RunID    string
	Quality  int
	Recorder Recorder
	Now      func() time.Time
	Logger   *slog.Logger
}

// Archiver holds the run-scoped set of archived identities. It is not safe
// for concurrent use; the consumer tick owns it.
type Archiver struct {
	root     string
	runID    string
	quality  int
	recorder Recorder
	now      func() time.Time
	log      *slog.Logger
	archived map[types.IdentityID]struct{}
}

// New returns an Archiver for one run.
func New(cfg Config) *Archiver {
	a := &Archiver{
		root:     cfg.Root,
		runID:    cfg.RunID,
		quality:  cfg.Quality,
		recorder: cfg.Recorder,
		now:      cfg.Now,
		log:      cfg.Logger,
		archived: make(map[types.IdentityID]struct{}),
	}
	if a.quality <= 0 || a.quality > 100 {
		a.quality = DefaultQuality
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	return a
}

// Archived reports whether id was already written during this run.
func (a *Archiver) Archived(id types.IdentityID) bool {
	_, ok := a.archived[id]
	return ok
}

// Count returns how many identities have been archived this run.
func (a *Archiver) Count() int { return len(a.archived) }

// Persist writes every not-yet-archived identity in details to
// {root}/{YYYY-MM-DD}/face_{HH-MM-SS}.jpg. A repeated ID is written once.
func (a *Archiver) Persist(ctx context.Context, details types.EnteringDetails) Report {
	var rep Report
	if len(details) == 0 {
		return rep
	}

	var pending []types.Entry
	for _, e := range details.Unique() {
		if a.Archived(e.ID) {
			rep.Skipped++
			continue
		}
		pending = append(pending, e)
	}
	if len(pending) == 0 {
		return rep
	}

	dir := filepath.Join(a.root, a.now().Format(dirLayout))
	if err := os.MkdirAll(dir, 0755); err != nil {
		derr := &DirectoryError{Path: dir, Err: err}
		a.log.Error("failed to create archive directory", "dir", dir, "err", err)
		rep.Errors = append(rep.Errors, derr)
		return rep
	}

	for _, e := range pending {
		path, err := a.write(dir, e)
		if err != nil {
			a.log.Warn("failed to save face", "identity", int(e.ID), "err", err)
			rep.Errors = append(rep.Errors, fmt.Errorf("identity %d: %w", e.ID, err))
			continue
		}
		a.archived[e.ID] = struct{}{}

		c := Capture{RunID: a.runID, IdentityID: e.ID, Path: path, ObservedAt: e.Record.ObservedAt}
		rep.Written = append(rep.Written, c)
		a.log.Info("face archived", "identity", int(e.ID), "path", path)

		if a.recorder != nil {
			if err := a.recorder.RecordCapture(ctx, c); err != nil {
				// The file is on disk; the index is best effort.
				a.log.Warn("failed to record capture", "identity", int(e.ID), "err", err)
			}
		}
	}
	return rep
}

func (a *Archiver) write(dir string, e types.Entry) (string, error) {
	img, err := codec.Decode(e.Record.CompressedCrop)
	if err != nil {
		return "", err
	}

	f, path, err := createUnique(dir, "face_"+e.Record.ObservedAt.Format(fileLayout))
	if err != nil {
		return "", err
	}
	if err := jpeg.Encode(f, img.ToStd(), &jpeg.Options{Quality: a.quality}); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("encode jpeg: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// createUnique opens base.jpg exclusively, falling back to base_2.jpg,
// base_3.jpg... when two faces share the same second.
func createUnique(dir, base string) (*os.File, string, error) {
	for n := 1; n < 1000; n++ {
		name := base + ".jpg"
		if n > 1 {
			name = fmt.Sprintf("%s_%d.jpg", base, n)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("too many captures named %s", base)
}
