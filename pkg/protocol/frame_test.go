package protocol

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFrameEncodeDecode(t *testing.T) {
	tests := []struct {
		name    string
		ft      FrameType
		payload []uint32
		header  []uint32
		owner   string
		wantLen int
	}{
		{
			name:    "empty",
			ft:      FrameRaw,
			wantLen: PreambleSize,
		},
		{
			name:    "tile",
			ft:      FrameCanvasTile,
			payload: []uint32{0xff0000ff, 0x00ff00ff, 0x0000ffff, 0xffffffff},
			header:  TileHeader{X: 10, Y: 20, Width: 2, Height: 2, Final: true}.Words(),
			owner:   "canvas1",
			// 4 payload + 5 header + 4 owner words (7 units, padded to 8)
			wantLen: PreambleSize + (4+5+4)*WordSize,
		},
		{
			name:    "odd_owner",
			ft:      FrameRaw,
			payload: []uint32{1},
			header:  []uint32{7, 8},
			owner:   "abc",
			wantLen: PreambleSize + (1+2+2)*WordSize,
		},
		{
			name:    "non_ascii_owner",
			ft:      FrameImage,
			payload: []uint32{42},
			header:  []uint32{1, 1},
			owner:   "kuva-ä-🙂",
			wantLen: PreambleSize + (1+2+5)*WordSize,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, err := NewFrame(tc.ft, tc.payload, tc.header, tc.owner)
			if err != nil {
				t.Fatalf("NewFrame() error = %v", err)
			}
			if f.Size() != tc.wantLen {
				t.Errorf("Size() = %d, want %d", f.Size(), tc.wantLen)
			}

			decoded, err := DecodeFrame(f.Bytes())
			if err != nil {
				t.Fatalf("DecodeFrame() error = %v", err)
			}
			if decoded.Type() != tc.ft {
				t.Errorf("Type() = %v, want %v", decoded.Type(), tc.ft)
			}
			if decoded.ElementCount() != len(tc.payload) {
				t.Errorf("ElementCount() = %d, want %d", decoded.ElementCount(), len(tc.payload))
			}
			if diff := cmp.Diff(tc.payload, decoded.Payload(), cmpEmpty); diff != "" {
				t.Errorf("Payload() mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tc.header, decoded.Header(), cmpEmpty); diff != "" {
				t.Errorf("Header() mismatch (-want +got):\n%s", diff)
			}
			if decoded.Owner() != tc.owner {
				t.Errorf("Owner() = %q, want %q", decoded.Owner(), tc.owner)
			}
		})
	}
}

// cmpEmpty treats nil and empty slices as equal.
var cmpEmpty = cmp.FilterValues(func(x, y []uint32) bool {
	return len(x) == 0 && len(y) == 0
}, cmp.Ignore())

func TestNewFrameRejectsWrongHeader(t *testing.T) {
	_, err := NewFrame(FrameCanvasTile, nil, []uint32{1, 2, 3}, "c")
	if !errors.Is(err, ErrHeaderSize) {
		t.Fatalf("NewFrame() error = %v, want ErrHeaderSize", err)
	}
}

func TestNewFrameOwnerTag(t *testing.T) {
	f, err := NewFrame(FrameRaw, nil, nil, "a\x00b")
	if err != nil {
		t.Fatalf("NewFrame() error = %v", err)
	}
	if got := f.Owner(); got != "a\x00b" {
		t.Errorf("Owner() = %q, want inner NUL kept", got)
	}

	if _, err := NewFrame(FrameRaw, nil, nil, "ab\x00"); !errors.Is(err, ErrOwnerTag) {
		t.Errorf("NewFrame() error = %v, want ErrOwnerTag", err)
	}
}

func TestWriteHeader(t *testing.T) {
	f, err := NewFrame(FrameCanvasTile, []uint32{1}, TileHeader{Width: 1, Height: 1}.Words(), "c")
	if err != nil {
		t.Fatalf("NewFrame() error = %v", err)
	}
	decoded, err := DecodeFrame(f.Bytes())
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}

	for _, n := range []int{0, 1, 4, 6, 10} {
		if err := decoded.WriteHeader(make([]uint32, n)); !errors.Is(err, ErrHeaderSize) {
			t.Errorf("WriteHeader(%d words) error = %v, want ErrHeaderSize", n, err)
		}
	}

	next := TileHeader{X: 5, Y: 6, Width: 1, Height: 1, Final: true}
	if err := decoded.WriteHeader(next.Words()); err != nil {
		t.Fatalf("WriteHeader() error = %v", err)
	}
	got, err := ParseTileHeader(decoded.Header())
	if err != nil {
		t.Fatalf("ParseTileHeader() error = %v", err)
	}
	if got != next {
		t.Errorf("header = %+v, want %+v", got, next)
	}
	if decoded.Owner() != "c" || decoded.Payload()[0] != 1 {
		t.Error("WriteHeader touched payload or owner")
	}
}

func TestFrameClone(t *testing.T) {
	f, err := NewFrame(FrameRaw, []uint32{1, 2}, []uint32{3}, "o")
	if err != nil {
		t.Fatalf("NewFrame() error = %v", err)
	}
	c := f.Clone()
	if err := f.WriteHeader([]uint32{99}); err != nil {
		t.Fatalf("WriteHeader() error = %v", err)
	}
	if got := c.Header()[0]; got != 3 {
		t.Errorf("clone header = %d, want 3", got)
	}
	if &c.Bytes()[0] == &f.Bytes()[0] {
		t.Error("clone shares buffer with original")
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	good, _ := NewFrame(FrameRaw, []uint32{1, 2, 3}, nil, "x")

	huge := make([]byte, PreambleSize)
	le.PutUint32(huge[4:], 0xffffffff)
	le.PutUint32(huge[8:], 0xffffffff)
	le.PutUint32(huge[12:], 0xffffffff)

	badTile := make([]byte, PreambleSize+WordSize)
	le.PutUint32(badTile[0:], uint32(FrameCanvasTile))
	le.PutUint32(badTile[12:], 1)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrFrameTooShort},
		{"short_preamble", []byte{1, 2, 3}, ErrFrameTooShort},
		{"truncated", good.Bytes()[:good.Size()-1], ErrFrameSizeMismatch},
		{"trailing", append(append([]byte{}, good.Bytes()...), 0), ErrFrameSizeMismatch},
		{"overflow", huge, ErrFrameTooLarge},
		{"tile_header", badTile, ErrHeaderSize},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeFrame(tc.data)
			if !errors.Is(err, tc.want) {
				t.Errorf("DecodeFrame() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestNewTileFrame(t *testing.T) {
	if _, err := NewTileFrame("c", TileHeader{Width: 2, Height: 2}, []uint32{1, 2, 3}); !errors.Is(err, ErrFrameSizeMismatch) {
		t.Errorf("NewTileFrame() error = %v, want ErrFrameSizeMismatch", err)
	}
	f, err := NewTileFrame("c", TileHeader{Width: 1, Height: 2}, []uint32{1, 2})
	if err != nil {
		t.Fatalf("NewTileFrame() error = %v", err)
	}
	if f.Type() != FrameCanvasTile {
		t.Errorf("Type() = %v, want CanvasTile", f.Type())
	}
	if len(f.PayloadBytes()) != 2*WordSize {
		t.Errorf("PayloadBytes() len = %d, want %d", len(f.PayloadBytes()), 2*WordSize)
	}
}
