// Package codec packs face crops and frames into the compressed blobs carried
// inside result records, and unpacks them again.
package codec

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/J1nWo0/Visitor-Monitoring-System/internal/types"
)

// Blob layout: "VMC1" magic, then a zlib stream of
// [Height u32][Width u32][Channels u32][Pix...] (big endian).
var magic = []byte("VMC1")

// maxBytes bounds a decoded pixel buffer so a corrupt header can't trigger a huge allocation.
const maxBytes = 64 * 1024 * 1024

// Error is returned for any blob that can't be turned back into an image.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("codec %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// IsCodecError reports whether err came from this package.
func IsCodecError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

// Encode compresses the image into a blob. Output is deterministic for a given image.
func Encode(img types.Image) ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, &Error{Op: "encode", Err: err}
	}

	var buf bytes.Buffer
	buf.Write(magic)
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestSpeed)
	if err != nil {
		return nil, &Error{Op: "encode", Err: err}
	}
	header := [3]uint32{uint32(img.Height), uint32(img.Width), uint32(img.Channels)}
	if err := binary.Write(zw, binary.BigEndian, header); err != nil {
		return nil, &Error{Op: "encode", Err: err}
	}
	if _, err := zw.Write(img.Pix); err != nil {
		return nil, &Error{Op: "encode", Err: err}
	}
	if err := zw.Close(); err != nil {
		return nil, &Error{Op: "encode", Err: err}
	}
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode.
func Decode(blob []byte) (types.Image, error) {
	if len(blob) == 0 {
		return types.Image{}, &Error{Op: "decode", Err: errors.New("empty blob")}
	}
	if !bytes.HasPrefix(blob, magic) {
		return types.Image{}, &Error{Op: "decode", Err: errors.New("unknown blob format")}
	}

	zr, err := zlib.NewReader(bytes.NewReader(blob[len(magic):]))
	if err != nil {
		return types.Image{}, &Error{Op: "decode", Err: err}
	}
	defer zr.Close()

	var header [3]uint32
	if err := binary.Read(zr, binary.BigEndian, &header); err != nil {
		return types.Image{}, &Error{Op: "decode", Err: fmt.Errorf("read header: %w", err)}
	}
	img := types.Image{Height: int(header[0]), Width: int(header[1]), Channels: int(header[2])}
	if img.Channels != 1 && img.Channels != 3 && img.Channels != 4 {
		return types.Image{}, &Error{Op: "decode", Err: fmt.Errorf("unsupported channel count %d", img.Channels)}
	}
	if img.Width <= 0 || img.Height <= 0 || uint64(header[0])*uint64(header[1])*uint64(header[2]) > maxBytes {
		return types.Image{}, &Error{Op: "decode", Err: fmt.Errorf("invalid image size %dx%dx%d", img.Width, img.Height, img.Channels)}
	}

	img.Pix = make([]byte, img.Width*img.Height*img.Channels)
	if _, err := io.ReadFull(zr, img.Pix); err != nil {
		return types.Image{}, &Error{Op: "decode", Err: fmt.Errorf("read pixels: %w", err)}
	}

	// Drain to EOF so the zlib checksum is verified and trailing payload is rejected.
	rest, err := io.ReadAll(io.LimitReader(zr, 1))
	if err != nil {
		return types.Image{}, &Error{Op: "decode", Err: err}
	}
	if len(rest) > 0 {
		return types.Image{}, &Error{Op: "decode", Err: errors.New("trailing data after pixels")}
	}
	return img, nil
}
