package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/J1nWo0/Visitor-Monitoring-System/internal/codec"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/producer"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/types"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/utils" // Using the SafeCommand wrapper
)

// Message status bytes written by the counter process.
const (
	StatusFrame byte = 0
	StatusError byte = 1
	StatusEnd   byte = 2
)

// maxMessage bounds a single message so a corrupt length can't exhaust memory.
const maxMessage = 64 << 20

var (
	DefaultCounterCommand = []string{"python3", "-u", "python/counter.py"}
	DefaultRegionCommand  = []string{"python3", "-u", "python/regions.py"}
)

// killGrace is how long Close waits for the process after closing its pipes.
const killGrace = 2 * time.Second

// Config describes how to launch the counter process.
type Config struct {
	// Command is the argv of the counter. Defaults to DefaultCounterCommand.
	Command []string
	// ReadTimeout fails a pull when the counter is silent that long. Zero waits forever.
	ReadTimeout time.Duration
	Logger      *slog.Logger
}

// header is the JSON line sent on the counter's stdin before any frame is read.
type header struct {
	Source  string      `json:"source"`
	Width   int         `json:"width"`
	Height  int         `json:"height"`
	Regions regionsJSON `json:"regions"`
}

type regionsJSON struct {
	A [][2]int `json:"a"`
	B [][2]int `json:"b"`
}

func toJSON(r types.Regions) regionsJSON {
	conv := func(reg types.Region) [][2]int {
		out := make([][2]int, 0, len(reg.Points))
		for _, p := range reg.Points {
			out = append(out, [2]int{p.X, p.Y})
		}
		return out
	}
	return regionsJSON{A: conv(r.A), B: conv(r.B)}
}

func (r regionsJSON) regions() types.Regions {
	conv := func(pts [][2]int) types.Region {
		var reg types.Region
		for _, p := range pts {
			reg.Points = append(reg.Points, image.Pt(p[0], p[1]))
		}
		return reg
	}
	return types.Regions{A: conv(r.A), B: conv(r.B)}
}

// Algorithm is one running counter process. Frames arrive on FD 3.
type Algorithm struct {
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	readTimeout time.Duration
	closeOnce   sync.Once
	closeErr    error
	log         *slog.Logger
}

// NewAlgorithm starts the counter for source and hands it the regions.
func NewAlgorithm(ctx context.Context, cfg Config, source string, regions types.Regions, size image.Point) (*Algorithm, error) {
	argv := cfg.Command
	if len(argv) == 0 {
		argv = DefaultCounterCommand
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	py := utils.NewSafeCommand(ctx, argv[0], argv[1:]...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("counter failed to start: %w", err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	a := &Algorithm{Cmd: py, Stdin: stdin, DataPipe: r, readTimeout: cfg.ReadTimeout, log: log}

	hdr, err := json.Marshal(header{
		Source:  source,
		Width:   size.X,
		Height:  size.Y,
		Regions: toJSON(regions),
	})
	if err == nil {
		_, err = stdin.Write(append(hdr, '\n'))
	}
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("send counter header: %w", err)
	}
	log.Debug("counter started", "pid", py.Process.Pid, "source", source)
	return a, nil
}

// Frames returns the algorithm itself; it is its own generator.
func (a *Algorithm) Frames() producer.Generator { return a }

// Next reads one message from the counter. io.EOF marks a clean end of stream.
func (a *Algorithm) Next(ctx context.Context) (*types.ResultFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Closing the pipe is the only way to unblock a pending read.
	stop := context.AfterFunc(ctx, func() { a.DataPipe.Close() })
	defer stop()

	if a.readTimeout > 0 {
		if dl, ok := a.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok {
			dl.SetReadDeadline(time.Now().Add(a.readTimeout))
		}
	}

	body, err := readMessage(a.DataPipe)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, fmt.Errorf("counter silent for %s: %w", a.readTimeout, err)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// The pipe closed without an end marker: the process died.
			return nil, errors.New("counter exited without end of stream")
		}
		return nil, err
	}
	return decodeMessage(body)
}

func readMessage(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n == 0 || n > maxMessage {
		return nil, fmt.Errorf("invalid message length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// decodeMessage parses one message body (status byte onwards). Parse errors
// never wrap io.EOF, which is reserved for the end marker.
func decodeMessage(body []byte) (*types.ResultFrame, error) {
	rd := bytes.NewReader(body)
	status, _ := rd.ReadByte()

	switch status {
	case StatusEnd:
		return nil, io.EOF
	case StatusError:
		msg, err := readBlob(rd)
		if err != nil {
			return nil, fmt.Errorf("malformed error message: %v", err)
		}
		return nil, fmt.Errorf("counter worker error: %s", msg)
	case StatusFrame:
	default:
		return nil, fmt.Errorf("unknown message status %d", status)
	}

	var seq uint64
	if err := binary.Read(rd, binary.BigEndian, &seq); err != nil {
		return nil, fmt.Errorf("malformed frame: %v", err)
	}
	primaryBlob, err := readBlob(rd)
	if err != nil {
		return nil, fmt.Errorf("malformed frame %d: %v", seq, err)
	}
	frame := &types.ResultFrame{Seq: seq}
	if len(primaryBlob) > 0 {
		if frame.Primary, err = codec.Decode(primaryBlob); err != nil {
			return nil, fmt.Errorf("frame %d primary: %v", seq, err)
		}
	}

	var count uint32
	if err := binary.Read(rd, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("malformed frame %d: %v", seq, err)
	}
	// Each entry takes at least 20 bytes.
	if int64(count)*20 > int64(rd.Len()) {
		return nil, fmt.Errorf("frame %d claims %d entries in %d bytes", seq, count, rd.Len())
	}
	frame.Entering = make(types.EnteringDetails, 0, count)
	seen := make(map[int64]struct{}, count)
	for i := uint32(0); i < count; i++ {
		var fixed struct {
			ID    int64
			Nanos int64
		}
		if err := binary.Read(rd, binary.BigEndian, &fixed); err != nil {
			return nil, fmt.Errorf("malformed entry %d of frame %d: %v", i, seq, err)
		}
		if _, dup := seen[fixed.ID]; dup {
			return nil, fmt.Errorf("frame %d repeats identity %d", seq, fixed.ID)
		}
		seen[fixed.ID] = struct{}{}
		crop, err := readBlob(rd)
		if err != nil {
			return nil, fmt.Errorf("malformed entry %d of frame %d: %v", i, seq, err)
		}
		frame.Entering = append(frame.Entering, types.Entry{
			ID: types.IdentityID(fixed.ID),
			Record: types.PersonRecord{
				CompressedCrop: crop,
				ObservedAt:     time.Unix(0, fixed.Nanos),
			},
		})
	}
	if rd.Len() != 0 {
		return nil, fmt.Errorf("frame %d has %d trailing bytes", seq, rd.Len())
	}
	return frame, nil
}

func readBlob(rd *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(rd, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if int64(n) > int64(rd.Len()) {
		return nil, io.ErrUnexpectedEOF
	}
	b := make([]byte, n)
	_, err := io.ReadFull(rd, b)
	return b, err
}

// Close shuts the pipes and reaps the process, killing it if it lingers.
func (a *Algorithm) Close() error {
	a.closeOnce.Do(func() {
		a.Stdin.Close()
		a.DataPipe.Close()
		if a.Cmd == nil {
			return
		}
		done := make(chan error, 1)
		go func() { done <- a.Cmd.Wait() }()
		select {
		case a.closeErr = <-done:
		case <-time.After(killGrace):
			a.log.Warn("counter did not exit, killing it", "pid", a.Cmd.Process.Pid)
			a.Cmd.Process.Kill()
			a.closeErr = <-done
		}
		// Losing its pipes usually makes the counter exit non-zero; that's expected here.
		var exitErr *exec.ExitError
		if errors.As(a.closeErr, &exitErr) {
			a.log.Debug("counter exited", "status", exitErr.String(), "stderr", a.Cmd.Stderr.Len())
			a.closeErr = nil
		}
	})
	return a.closeErr
}

// RegionCapturer runs the one-shot region helper. The helper prints the two
// polylines as JSON, or null when the user aborted.
type RegionCapturer struct {
	// Command is the helper argv. Defaults to DefaultRegionCommand.
	Command []string
}

func (rc RegionCapturer) CaptureRegions(ctx context.Context, source string, size image.Point) (types.Regions, error) {
	argv := rc.Command
	if len(argv) == 0 {
		argv = DefaultRegionCommand
	}
	args := append(append([]string{}, argv[1:]...),
		"--source", source,
		"--width", strconv.Itoa(size.X),
		"--height", strconv.Itoa(size.Y),
	)
	cmd := utils.NewSafeCommand(ctx, argv[0], args...)
	out, err := cmd.Output()
	if err != nil {
		utils.ShowError("region capture failed", err, cmd)
		return types.Regions{}, fmt.Errorf("region helper: %w", err)
	}

	var parsed *regionsJSON
	if err := json.Unmarshal(bytes.TrimSpace(out), &parsed); err != nil {
		return types.Regions{}, fmt.Errorf("parse region helper output: %w", err)
	}
	if parsed == nil {
		return types.Regions{}, nil
	}
	return parsed.regions(), nil
}
