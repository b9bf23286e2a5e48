package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"
)

// Frame constants.
const (
	// WordSize is the size of one frame word in bytes.
	WordSize = 4

	// PreambleWords is the number of count words at the start of every frame.
	PreambleWords = 4

	// PreambleSize is the size of the frame preamble in bytes.
	PreambleSize = PreambleWords * WordSize

	// MaxFrameSize is the largest frame accepted by NewFrame and DecodeFrame (64MB).
	MaxFrameSize = 64 * 1024 * 1024
)

// FrameType discriminates binary frames.
type FrameType uint32

const (
	FrameRaw        FrameType = 0x00 // Opaque words, any header size
	FrameCanvasTile FrameType = 0x01 // Pixel tile: x, y, width, height, final
	FrameImage      FrameType = 0x02 // Whole image: width, height
)

// String returns the string representation of the frame type.
func (ft FrameType) String() string {
	switch ft {
	case FrameRaw:
		return "Raw"
	case FrameCanvasTile:
		return "CanvasTile"
	case FrameImage:
		return "Image"
	default:
		return fmt.Sprintf("FrameType(%d)", uint32(ft))
	}
}

// headerLens holds the fixed header size of every frame class that has one.
var headerLens = map[FrameType]int{
	FrameCanvasTile: TileHeaderLen,
	FrameImage:      2,
}

// HeaderLen reports the fixed header size for a frame class. The second
// result is false for classes that accept any header size.
func HeaderLen(ft FrameType) (int, bool) {
	n, ok := headerLens[ft]
	return n, ok
}

// Frame errors.
var (
	ErrFrameTooShort     = errors.New("protocol: frame too short")
	ErrFrameTooLarge     = errors.New("protocol: frame too large")
	ErrFrameSizeMismatch = errors.New("protocol: frame size does not match its counts")
	ErrHeaderSize        = errors.New("protocol: header size mismatch")
	ErrOwnerTag          = errors.New("protocol: owner tag ends in NUL")
)

var le = binary.LittleEndian

// Frame is a self-describing binary blob used for large or binary payloads.
//
// Wire format (little-endian 4-byte words):
//
//	┌──────────┬───────────────┬─────────────────┬────────────────┐
//	│ type     │ element count │ owner tag words │ header words   │
//	│ (word 0) │ N (word 1)    │ O (word 2)      │ H (word 3)     │
//	└──────────┴───────────────┴─────────────────┴────────────────┘
//	│ payload: N words                                            │
//	│ header: H words                                             │
//	│ owner tag: O words, UTF-16 code units, zero padded          │
//	└─────────────────────────────────────────────────────────────┘
//
// A Frame owns its buffer. Use Clone before handing a frame to another
// goroutine while the caller keeps mutating the original.
type Frame struct {
	buf []byte
}

// frameSize computes the byte size of a frame from its counts. It reports
// false when the size would exceed MaxFrameSize.
func frameSize(n, h, o uint64) (int, bool) {
	words := uint64(PreambleWords) + n + h + o
	if words > MaxFrameSize/WordSize {
		return 0, false
	}
	return int(words * WordSize), true
}

// NewFrame lays out a frame from its parts. The owner tag is zero padded
// on the wire, so a tag ending in U+0000 is rejected with ErrOwnerTag.
func NewFrame(ft FrameType, payload, header []uint32, owner string) (*Frame, error) {
	if strings.HasSuffix(owner, "\x00") {
		return nil, ErrOwnerTag
	}
	if want, ok := HeaderLen(ft); ok && len(header) != want {
		return nil, fmt.Errorf("%w: %s frame wants %d header words, got %d",
			ErrHeaderSize, ft, want, len(header))
	}

	units := utf16.Encode([]rune(owner))
	ownerWords := (len(units)*2 + WordSize - 1) / WordSize

	size, ok := frameSize(uint64(len(payload)), uint64(len(header)), uint64(ownerWords))
	if !ok {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, size)
	le.PutUint32(buf[0:], uint32(ft))
	le.PutUint32(buf[4:], uint32(len(payload)))
	le.PutUint32(buf[8:], uint32(ownerWords))
	le.PutUint32(buf[12:], uint32(len(header)))

	off := PreambleSize
	for _, w := range payload {
		le.PutUint32(buf[off:], w)
		off += WordSize
	}
	for _, w := range header {
		le.PutUint32(buf[off:], w)
		off += WordSize
	}
	for _, u := range units {
		le.PutUint16(buf[off:], u)
		off += 2
	}

	return &Frame{buf: buf}, nil
}

// DecodeFrame decodes a frame received from a peer. The counts are checked
// against the data length before anything is allocated.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < PreambleSize {
		return nil, ErrFrameTooShort
	}

	ft := FrameType(le.Uint32(data[0:]))
	n := uint64(le.Uint32(data[4:]))
	o := uint64(le.Uint32(data[8:]))
	h := uint64(le.Uint32(data[12:]))

	size, ok := frameSize(n, h, o)
	if !ok {
		return nil, ErrFrameTooLarge
	}
	if size != len(data) {
		return nil, fmt.Errorf("%w: counts say %d bytes, got %d", ErrFrameSizeMismatch, size, len(data))
	}
	if want, ok := HeaderLen(ft); ok && int(h) != want {
		return nil, fmt.Errorf("%w: %s frame wants %d header words, got %d", ErrHeaderSize, ft, want, h)
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	return &Frame{buf: buf}, nil
}

// Type returns the frame discriminator.
func (f *Frame) Type() FrameType {
	return FrameType(le.Uint32(f.buf[0:]))
}

// ElementCount returns the number of payload words.
func (f *Frame) ElementCount() int {
	return int(le.Uint32(f.buf[4:]))
}

func (f *Frame) ownerWords() int {
	return int(le.Uint32(f.buf[8:]))
}

// HeaderCount returns the number of header words. It is fixed for the
// lifetime of the frame.
func (f *Frame) HeaderCount() int {
	return int(le.Uint32(f.buf[12:]))
}

func (f *Frame) headerOffset() int {
	return PreambleSize + f.ElementCount()*WordSize
}

func (f *Frame) ownerOffset() int {
	return f.headerOffset() + f.HeaderCount()*WordSize
}

func (f *Frame) words(off, n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = le.Uint32(f.buf[off+i*WordSize:])
	}
	return out
}

// Payload returns a copy of the payload words.
func (f *Frame) Payload() []uint32 {
	return f.words(PreambleSize, f.ElementCount())
}

// PayloadBytes returns the payload region without copying. The slice aliases
// the frame buffer.
func (f *Frame) PayloadBytes() []byte {
	return f.buf[PreambleSize:f.headerOffset()]
}

// Header returns a copy of the header words.
func (f *Frame) Header() []uint32 {
	return f.words(f.headerOffset(), f.HeaderCount())
}

// WriteHeader replaces the header words in place. The replacement must have
// exactly HeaderCount words.
func (f *Frame) WriteHeader(header []uint32) error {
	if len(header) != f.HeaderCount() {
		return fmt.Errorf("%w: frame has %d header words, got %d", ErrHeaderSize, f.HeaderCount(), len(header))
	}
	off := f.headerOffset()
	for _, w := range header {
		le.PutUint32(f.buf[off:], w)
		off += WordSize
	}
	return nil
}

// Owner returns the owner tag with its zero padding removed.
func (f *Frame) Owner() string {
	off := f.ownerOffset()
	units := make([]uint16, f.ownerWords()*2)
	for i := range units {
		units[i] = le.Uint16(f.buf[off+i*2:])
	}
	for len(units) > 0 && units[len(units)-1] == 0 {
		units = units[:len(units)-1]
	}
	return string(utf16.Decode(units))
}

// Size returns the encoded size in bytes.
func (f *Frame) Size() int {
	return len(f.buf)
}

// Bytes returns the encoded frame. The slice aliases the frame buffer and
// must not be modified.
func (f *Frame) Bytes() []byte {
	return f.buf
}

// Clone returns an independently owned copy of the frame.
func (f *Frame) Clone() *Frame {
	buf := make([]byte, len(f.buf))
	copy(buf, f.buf)
	return &Frame{buf: buf}
}

// TileHeaderLen is the header size of a canvas tile frame.
const TileHeaderLen = 5

// TileHeader is the header of a FrameCanvasTile frame.
type TileHeader struct {
	X, Y          uint32
	Width, Height uint32
	Final         bool // Last tile of a canvas update
}

// Words encodes the tile header as frame header words.
func (th TileHeader) Words() []uint32 {
	var final uint32
	if th.Final {
		final = 1
	}
	return []uint32{th.X, th.Y, th.Width, th.Height, final}
}

// ParseTileHeader decodes header words produced by TileHeader.Words.
func ParseTileHeader(words []uint32) (TileHeader, error) {
	if len(words) != TileHeaderLen {
		return TileHeader{}, fmt.Errorf("%w: tile header wants %d words, got %d", ErrHeaderSize, TileHeaderLen, len(words))
	}
	return TileHeader{
		X:      words[0],
		Y:      words[1],
		Width:  words[2],
		Height: words[3],
		Final:  words[4] != 0,
	}, nil
}

// NewTileFrame builds a canvas tile frame from RGBA pixels packed one per word.
func NewTileFrame(owner string, th TileHeader, pixels []uint32) (*Frame, error) {
	if uint64(len(pixels)) != uint64(th.Width)*uint64(th.Height) {
		return nil, fmt.Errorf("%w: %dx%d tile with %d pixels", ErrFrameSizeMismatch, th.Width, th.Height, len(pixels))
	}
	return NewFrame(FrameCanvasTile, pixels, th.Words(), owner)
}
