package codec

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/J1nWo0/Visitor-Monitoring-System/internal/types"
	"github.com/google/go-cmp/cmp"
)

func gradient(w, h, ch int) types.Image {
	img := types.Image{Width: w, Height: h, Channels: ch, Pix: make([]byte, w*h*ch)}
	for i := range img.Pix {
		img.Pix[i] = byte(i * 7)
	}
	return img
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		img  types.Image
	}{
		{"Single gray pixel", gradient(1, 1, 1)},
		{"RGB crop", gradient(32, 24, 3)},
		{"RGBA crop", gradient(5, 9, 4)},
		{"Tall strip", gradient(1, 300, 3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := Encode(tt.img)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			got, err := Decode(blob)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if diff := cmp.Diff(tt.img, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeDeterministic(t *testing.T) {
	img := gradient(16, 16, 3)
	a, _ := Encode(img)
	b, _ := Encode(img)
	if !bytes.Equal(a, b) {
		t.Error("Encode is not deterministic")
	}
}

func TestEncodeRejectsInvalidImage(t *testing.T) {
	_, err := Encode(types.Image{Width: 2, Height: 2, Channels: 3, Pix: []byte{1}})
	if !IsCodecError(err) {
		t.Fatalf("expected codec error, got %v", err)
	}
}

func TestDecodeFailures(t *testing.T) {
	good, err := Encode(gradient(8, 8, 3))
	if err != nil {
		t.Fatal(err)
	}

	// A well-formed zlib stream whose payload is not an image header.
	var notImage bytes.Buffer
	notImage.Write(magic)
	zw := zlib.NewWriter(&notImage)
	zw.Write([]byte{0, 0})
	zw.Close()

	// Valid header declaring 5 channels.
	var badChannels bytes.Buffer
	badChannels.Write(magic)
	zw = zlib.NewWriter(&badChannels)
	zw.Write([]byte{0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 5, 1, 2, 3, 4, 5})
	zw.Close()

	// Extra bytes after the pixel payload.
	var trailing bytes.Buffer
	trailing.Write(magic)
	zw = zlib.NewWriter(&trailing)
	zw.Write([]byte{0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 1, 42, 43})
	zw.Close()

	tests := []struct {
		name string
		blob []byte
	}{
		{"Empty", nil},
		{"Wrong magic", []byte("PK\x03\x04garbage")},
		{"Truncated half", good[:len(good)/2]},
		{"Missing checksum", good[:len(good)-4]},
		{"Magic only", magic},
		{"Not an image payload", notImage.Bytes()},
		{"Bad channel count", badChannels.Bytes()},
		{"Trailing data", trailing.Bytes()},
		{"Oversized header", oversized(8192, 8192, 4)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.blob)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !IsCodecError(err) {
				t.Errorf("expected *codec.Error, got %T: %v", err, err)
			}
		})
	}
}

// oversized builds a blob whose header claims h x w x c but carries no pixels.
func oversized(h, w, c uint32) []byte {
	var buf bytes.Buffer
	buf.Write(magic)
	zw := zlib.NewWriter(&buf)
	binary.Write(zw, binary.BigEndian, [3]uint32{h, w, c})
	zw.Close()
	return buf.Bytes()
}

func TestDecodeRejectsOversizedBeforeReading(t *testing.T) {
	tests := []struct {
		name    string
		h, w, c uint32
	}{
		// 64Mi pixels, 256 MiB of RGBA.
		{"RGBA at the pixel limit", 8192, 8192, 4},
		{"RGB just over", 4096, 4096*4/3 + 1, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(oversized(tt.h, tt.w, tt.c))
			if err == nil || !strings.Contains(err.Error(), "invalid image size") {
				t.Fatalf("expected size rejection, got %v", err)
			}
		})
	}
}
