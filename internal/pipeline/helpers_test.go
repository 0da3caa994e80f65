package pipeline

import (
	"context"
	"image"
	"io"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/J1nWo0/Visitor-Monitoring-System/internal/archive"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/codec"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/producer"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/types"
)

var testNow = time.Date(2025, 6, 1, 18, 0, 0, 0, time.Local)

// shadeImage builds a 2x2 RGB image filled with one value so tests can tell crops apart.
func shadeImage(shade byte) types.Image {
	img := types.Image{Width: 2, Height: 2, Channels: 3, Pix: make([]byte, 12)}
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	return img
}

func person(t *testing.T, id int, second int) types.Entry {
	t.Helper()
	blob, err := codec.Encode(shadeImage(byte(id)))
	if err != nil {
		t.Fatal(err)
	}
	return types.Entry{ID: types.IdentityID(id), Record: types.PersonRecord{
		CompressedCrop: blob,
		ObservedAt:     time.Date(2025, 6, 1, 17, 0, second, 0, time.Local),
	}}
}

func frame(seq uint64, entries ...types.Entry) *types.ResultFrame {
	return &types.ResultFrame{Seq: seq, Primary: shadeImage(200), Entering: types.EnteringDetails(entries)}
}

// recordingDisplay remembers what was rendered where.
type recordingDisplay struct {
	mu       sync.Mutex
	previews int
	slots    map[int]byte // slot -> shade of the image shown (== identity id)
	clears   int
}

func newRecordingDisplay() *recordingDisplay {
	return &recordingDisplay{slots: make(map[int]byte)}
}

func (d *recordingDisplay) ShowPreview(types.Image) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.previews++
	return nil
}

func (d *recordingDisplay) ShowSlot(n int, img types.Image) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.slots[n] = img.Pix[0]
	return nil
}

func (d *recordingDisplay) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clears++
	d.slots = make(map[int]byte)
}

func (d *recordingDisplay) snapshot() (int, map[int]byte, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make(map[int]byte, len(d.slots))
	for k, v := range d.slots {
		cp[k] = v
	}
	return d.previews, cp, d.clears
}

// fakeAlgo is a scripted algorithm: frames are fed through a channel.
type fakeAlgo struct {
	frames chan *types.ResultFrame
	fail   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeAlgo() *fakeAlgo {
	return &fakeAlgo{
		frames: make(chan *types.ResultFrame),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (a *fakeAlgo) Frames() producer.Generator {
	return producer.GeneratorFunc(func(ctx context.Context) (*types.ResultFrame, error) {
		select {
		case f, ok := <-a.frames:
			if !ok {
				return nil, io.EOF
			}
			return f, nil
		case err := <-a.fail:
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func (a *fakeAlgo) Close() error {
	a.once.Do(func() { close(a.closed) })
	return nil
}

func (a *fakeAlgo) isClosed() bool {
	select {
	case <-a.closed:
		return true
	default:
		return false
	}
}

// send hands f to the producer, failing the test if nobody is pulling.
func (a *fakeAlgo) send(t *testing.T, f *types.ResultFrame) {
	t.Helper()
	select {
	case a.frames <- f:
	case <-time.After(2 * time.Second):
		t.Fatal("producer is not pulling frames")
	}
}

// fakeFactory hands out a new fakeAlgo per call and remembers them.
type fakeFactory struct {
	mu    sync.Mutex
	algos []*fakeAlgo
	seen  []types.Regions
}

func (f *fakeFactory) New(_ context.Context, _ string, regions types.Regions, _ image.Point) (Algorithm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := newFakeAlgo()
	f.algos = append(f.algos, a)
	f.seen = append(f.seen, regions)
	return a, nil
}

func (f *fakeFactory) last() *fakeAlgo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.algos[len(f.algos)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.algos)
}

var testRegions = StaticRegions{
	A: types.Region{Points: []image.Point{{0, 0}, {10, 0}}},
	B: types.Region{Points: []image.Point{{0, 10}, {10, 10}}},
}

// fakeJournal collects run boundaries and captures.
type fakeJournal struct {
	mu       sync.Mutex
	begun    []RunInfo
	ended    []string
	captures []archive.Capture
}

func (j *fakeJournal) BeginRun(_ context.Context, info RunInfo) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.begun = append(j.begun, info)
	return nil
}

func (j *fakeJournal) EndRun(_ context.Context, runID string, _ time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ended = append(j.ended, runID)
	return nil
}

func (j *fakeJournal) RecordCapture(_ context.Context, c archive.Capture) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.captures = append(j.captures, c)
	return nil
}

// archivedFiles lists every file under root/<date>.
func archivedFiles(t *testing.T, root string) []string {
	t.Helper()
	entries, err := os.ReadDir(root + "/" + testNow.Format("2006-01-02"))
	if os.IsNotExist(err) {
		return nil
	}
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
