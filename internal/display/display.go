// Package display renders pipeline output as MJPEG streams a browser can watch.
package display

import (
	"bytes"
	"fmt"
	"html/template"
	"image"
	"image/jpeg"
	"net/http"
	"sync"

	"github.com/J1nWo0/Visitor-Monitoring-System/internal/types"
	"github.com/hybridgroup/mjpeg"
	"golang.org/x/image/draw"
)

const (
	Slots          = 3
	DefaultQuality = 80
)

var (
	DefaultPreviewSize = image.Pt(640, 480)
	DefaultSlotSize    = image.Pt(160, 160)
)

// Config sizes the surfaces.
type Config struct {
	PreviewSize image.Point
	SlotSize    image.Point
	Quality     int
}

type surface struct {
	name   string
	size   image.Point
	stream *mjpeg.Stream
}

// MJPEG is a display made of one preview stream and three thumbnail streams.
type MJPEG struct {
	quality int
	preview *surface
	slots   [Slots]*surface

	mu   sync.Mutex
	last map[string][]byte
}

// NewMJPEG creates the four streams. Nothing is served until Handler is mounted.
func NewMJPEG(cfg Config) *MJPEG {
	if cfg.PreviewSize.X <= 0 || cfg.PreviewSize.Y <= 0 {
		cfg.PreviewSize = DefaultPreviewSize
	}
	if cfg.SlotSize.X <= 0 || cfg.SlotSize.Y <= 0 {
		cfg.SlotSize = DefaultSlotSize
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = DefaultQuality
	}
	m := &MJPEG{
		quality: cfg.Quality,
		preview: &surface{name: "preview", size: cfg.PreviewSize, stream: mjpeg.NewStream()},
		last:    make(map[string][]byte),
	}
	for i := range m.slots {
		m.slots[i] = &surface{name: fmt.Sprintf("cap/%d", i+1), size: cfg.SlotSize, stream: mjpeg.NewStream()}
	}
	return m
}

// ShowPreview pushes the primary frame, scaled to the preview size.
func (m *MJPEG) ShowPreview(img types.Image) error {
	return m.show(m.preview, img)
}

// ShowSlot pushes a face crop to thumbnail n (1-based).
func (m *MJPEG) ShowSlot(n int, img types.Image) error {
	if n < 1 || n > Slots {
		return fmt.Errorf("display slot %d out of range 1..%d", n, Slots)
	}
	return m.show(m.slots[n-1], img)
}

// Clear blanks every surface.
func (m *MJPEG) Clear() {
	for _, s := range m.surfaces() {
		blank := image.NewRGBA(image.Rectangle{Max: s.size})
		m.push(s, blank)
	}
}

// Last returns the most recent JPEG pushed to a surface ("preview", "cap/1", ...).
func (m *MJPEG) Last(name string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last[name]
}

func (m *MJPEG) surfaces() []*surface {
	return append([]*surface{m.preview}, m.slots[:]...)
}

func (m *MJPEG) show(s *surface, img types.Image) error {
	if err := img.Validate(); err != nil {
		return err
	}
	dst := image.NewRGBA(image.Rectangle{Max: s.size})
	src := img.ToStd()
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return m.push(s, dst)
}

func (m *MJPEG) push(s *surface, img image.Image) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: m.quality}); err != nil {
		return fmt.Errorf("encode %s: %w", s.name, err)
	}
	s.stream.UpdateJPEG(buf.Bytes())

	m.mu.Lock()
	m.last[s.name] = buf.Bytes()
	m.mu.Unlock()
	return nil
}

var index = template.Must(template.New("index").Parse(`<!doctype html>
<title>Visitor Monitor</title>
<body style="background:#111;color:#eee;font-family:sans-serif">
<img src="/{{.Preview}}" alt="preview"><br>
{{range .Slots}}<img src="/{{.}}" alt="{{.}}"> {{end}}
</body>
`))

// Handler serves the streams under /preview and /cap/1..3, plus an index page.
func (m *MJPEG) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, s := range m.surfaces() {
		mux.Handle("/"+s.name, s.stream)
	}
	var names []string
	for _, s := range m.slots {
		names = append(names, s.name)
	}
	mux.HandleFunc("/{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		index.Execute(w, struct {
			Preview string
			Slots   []string
		}{m.preview.name, names})
	})
	return mux
}

// Nop discards everything. Used for headless runs.
type Nop struct{}

func (Nop) ShowPreview(types.Image) error  { return nil }
func (Nop) ShowSlot(int, types.Image) error { return nil }
func (Nop) Clear()                          {}
