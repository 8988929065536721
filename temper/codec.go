package temper

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/sugawarayuuta/sonnet"
	"github.com/zeebo/xxh3"
)

// FrameKind identifies the role of an exchange frame.
type FrameKind uint8

const (
	// FrameState carries a full ensemble state from follower to authority.
	FrameState FrameKind = iota + 1
	// FrameDecision carries the authority's pre-swap state and its decisions.
	FrameDecision
	// FrameError reports that the sender cannot complete the exchange.
	FrameError
	// FrameAck confirms the decisions of one step before they are applied.
	FrameAck
)

func (k FrameKind) String() string {
	switch k {
	case FrameState:
		return "state"
	case FrameDecision:
		return "decision"
	case FrameError:
		return "error"
	case FrameAck:
		return "ack"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Wire layout:
//
//	[preamble (24 bytes, little endian)][meta JSON][body]
//
// The body is walkers | log-densities | decision bitmap, zstd-compressed when
// flagCompressed is set. The checksum covers the body as transmitted.
const (
	FrameMagic   = 0x31585747 // "GWX1" in little endian
	FrameVersion = 1
	PreambleSize = 24 // sizeof(framePreamble)

	flagCompressed = 1 << 0

	maxMetaSize = 1 << 16
	maxBodySize = 1 << 30
)

type framePreamble struct {
	Magic    uint32
	Version  uint16
	Kind     uint8
	Flags    uint8
	MetaLen  uint32
	BodyLen  uint32
	Checksum uint64
}

// FrameMeta describes the sender and the sizes of the body sections.
type FrameMeta struct {
	RunID         string  `json:"run_id,omitempty"`
	Rank          int     `json:"rank"`
	Step          uint64  `json:"step"`
	NWalkers      int     `json:"nwalkers"`
	NDim          int     `json:"ndim"`
	Beta          float64 `json:"beta"`
	WalkerBytes   int     `json:"walker_bytes"`
	LnpBytes      int     `json:"lnp_bytes"`
	DecisionBytes int     `json:"decision_bytes"`
	Accepted      int     `json:"accepted,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// Frame is one decoded exchange message.
type Frame struct {
	Kind      FrameKind
	Meta      FrameMeta
	Walkers   []byte
	Lnp       []byte
	Decisions []byte
}

// Codec encodes and decodes frames. It is safe for concurrent use.
type Codec struct {
	compress bool
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

// NewCodec returns a codec. With compress set, frame bodies are compressed
// with zstd; decoding accepts both forms either way.
func NewCodec(compress bool) (*Codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBodySize))
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{compress: compress, encoder: encoder, decoder: decoder}, nil
}

// Close releases the zstd state.
func (c *Codec) Close() {
	_ = c.encoder.Close()
	c.decoder.Close()
}

// Encode serializes f. The section sizes in f.Meta are filled in from the
// byte slices.
func (c *Codec) Encode(f *Frame) ([]byte, error) {
	meta := f.Meta
	meta.WalkerBytes = len(f.Walkers)
	meta.LnpBytes = len(f.Lnp)
	meta.DecisionBytes = len(f.Decisions)

	metaJSON, err := sonnet.Marshal(&meta)
	if err != nil {
		return nil, fmt.Errorf("encode frame meta: %w", err)
	}
	if len(metaJSON) > maxMetaSize {
		return nil, fmt.Errorf("frame meta too large: %d bytes", len(metaJSON))
	}

	rawLen := len(f.Walkers) + len(f.Lnp) + len(f.Decisions)
	body := make([]byte, 0, rawLen)
	body = append(body, f.Walkers...)
	body = append(body, f.Lnp...)
	body = append(body, f.Decisions...)

	var flags uint8
	if c.compress && rawLen > 0 {
		body = c.encoder.EncodeAll(body, make([]byte, 0, rawLen/2))
		flags |= flagCompressed
	}
	if len(body) > maxBodySize {
		return nil, fmt.Errorf("frame body too large: %d bytes", len(body))
	}

	pre := framePreamble{
		Magic:    FrameMagic,
		Version:  FrameVersion,
		Kind:     uint8(f.Kind),
		Flags:    flags,
		MetaLen:  uint32(len(metaJSON)),
		BodyLen:  uint32(len(body)),
		Checksum: xxh3.Hash(body),
	}

	buf := bytes.NewBuffer(make([]byte, 0, PreambleSize+len(metaJSON)+len(body)))
	if err := binary.Write(buf, binary.LittleEndian, pre); err != nil {
		return nil, err
	}
	buf.Write(metaJSON)
	buf.Write(body)
	return buf.Bytes(), nil
}

// Decode parses and verifies a frame. Every failure wraps ErrFrameCorrupt.
func (c *Codec) Decode(data []byte) (*Frame, error) {
	if len(data) < PreambleSize {
		return nil, fmt.Errorf("%w: %d bytes, shorter than preamble", ErrFrameCorrupt, len(data))
	}

	var pre framePreamble
	if err := binary.Read(bytes.NewReader(data[:PreambleSize]), binary.LittleEndian, &pre); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameCorrupt, err)
	}
	if pre.Magic != FrameMagic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrFrameCorrupt, pre.Magic)
	}
	if pre.Version != FrameVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrFrameCorrupt, pre.Version)
	}
	kind := FrameKind(pre.Kind)
	if kind < FrameState || kind > FrameAck {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrFrameCorrupt, pre.Kind)
	}
	if pre.MetaLen > maxMetaSize || pre.BodyLen > maxBodySize {
		return nil, fmt.Errorf("%w: section sizes %d/%d out of range", ErrFrameCorrupt, pre.MetaLen, pre.BodyLen)
	}
	want := PreambleSize + int(pre.MetaLen) + int(pre.BodyLen)
	if len(data) != want {
		return nil, fmt.Errorf("%w: %d bytes, header says %d", ErrFrameCorrupt, len(data), want)
	}

	metaJSON := data[PreambleSize : PreambleSize+int(pre.MetaLen)]
	body := data[PreambleSize+int(pre.MetaLen):]
	if got := xxh3.Hash(body); got != pre.Checksum {
		return nil, fmt.Errorf("%w: checksum %#x, want %#x", ErrFrameCorrupt, got, pre.Checksum)
	}

	f := &Frame{Kind: kind}
	if err := sonnet.Unmarshal(metaJSON, &f.Meta); err != nil {
		return nil, fmt.Errorf("%w: meta: %v", ErrFrameCorrupt, err)
	}

	if pre.Flags&flagCompressed != 0 {
		raw, err := c.decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %v", ErrFrameCorrupt, err)
		}
		body = raw
	}

	// Sizes come from the sender and are checked one at a time against the body.
	m := f.Meta
	n := len(body)
	if m.WalkerBytes < 0 || m.LnpBytes < 0 || m.DecisionBytes < 0 ||
		m.WalkerBytes > n || m.LnpBytes > n-m.WalkerBytes ||
		m.DecisionBytes != n-m.WalkerBytes-m.LnpBytes {
		return nil, fmt.Errorf("%w: sections %d+%d+%d do not match body of %d bytes",
			ErrFrameCorrupt, m.WalkerBytes, m.LnpBytes, m.DecisionBytes, len(body))
	}
	// Sub-slices are copied so the frame does not alias the transport buffer.
	f.Walkers = bytes.Clone(body[:m.WalkerBytes])
	f.Lnp = bytes.Clone(body[m.WalkerBytes : m.WalkerBytes+m.LnpBytes])
	f.Decisions = bytes.Clone(body[m.WalkerBytes+m.LnpBytes:])
	return f, nil
}

// PackDecisions packs one bit per walker, least significant bit first.
func PackDecisions(accept []bool) []byte {
	out := make([]byte, (len(accept)+7)/8)
	for i, ok := range accept {
		if ok {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// UnpackDecisions expands a bitmap produced by PackDecisions for n walkers.
func UnpackDecisions(bitmap []byte, n int) ([]bool, error) {
	if len(bitmap) != (n+7)/8 {
		return nil, fmt.Errorf("%w: decision bitmap has %d bytes for %d walkers", ErrFrameCorrupt, len(bitmap), n)
	}
	out := make([]bool, n)
	for i := range out {
		out[i] = bitmap[i/8]&(1<<(i%8)) != 0
	}
	return out, nil
}
