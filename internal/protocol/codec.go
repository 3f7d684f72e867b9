// Package protocol implements the binary framing spoken between the relay
// and its clients. Every frame is a varint message type followed by a
// type-specific body; byte strings are length-prefixed with the same varint.
package protocol

import "errors"

// Top-level message types.
const (
	MessageSync      uint64 = 0
	MessageAwareness uint64 = 1
)

// Sync message kinds nested inside a MessageSync frame.
const (
	SyncQuery  uint64 = 0 // state vector query, answered point-to-point
	SyncDiff   uint64 = 1 // diff response, answered point-to-point
	SyncUpdate uint64 = 2 // locally authored update, rebroadcast verbatim
)

var (
	// ErrTruncatedVarint is returned when a frame ends mid-varint.
	ErrTruncatedVarint = errors.New("protocol: truncated varint")
	// ErrLengthOverrun is returned when a length prefix exceeds the
	// remaining bytes of the frame.
	ErrLengthOverrun = errors.New("protocol: length prefix exceeds frame")
)

// Encoder builds a frame. The zero value is ready to use.
type Encoder struct {
	buf []byte
}

// WriteVarUint appends v as an unsigned LEB128 varint: 7 data bits per
// byte, continuation bit set on all but the final byte.
func (e *Encoder) WriteVarUint(v uint64) {
	for v > 0x7f {
		e.buf = append(e.buf, byte(0x80|(v&0x7f)))
		v >>= 7
	}
	e.buf = append(e.buf, byte(v&0x7f))
}

// WriteBytes appends b as a length-prefixed run.
func (e *Encoder) WriteBytes(b []byte) {
	e.WriteVarUint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// Bytes returns the encoded frame.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Decoder walks a received frame.
type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(frame []byte) *Decoder {
	return &Decoder{buf: frame}
}

// ReadVarUint consumes one varint.
func (d *Decoder) ReadVarUint() (uint64, error) {
	var v uint64
	var shift uint
	for {
		if d.pos >= len(d.buf) {
			return 0, ErrTruncatedVarint
		}
		b := d.buf[d.pos]
		d.pos++
		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return v, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, ErrTruncatedVarint
		}
	}
}

// ReadBytes consumes one length-prefixed run.
func (d *Decoder) ReadBytes() ([]byte, error) {
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.buf)-d.pos) {
		return nil, ErrLengthOverrun
	}
	b := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}

// Remaining returns the unconsumed tail of the frame.
func (d *Decoder) Remaining() []byte {
	return d.buf[d.pos:]
}

// Frame is the parsed form of one inbound message. For sync frames Payload
// holds the length-prefixed body; for awareness frames it holds the raw
// remainder, which is relayed verbatim and never interpreted.
type Frame struct {
	Type     uint64
	SyncKind uint64
	Payload  []byte
}

// Parse decodes one frame. Unknown top-level types and unknown sync kinds
// parse successfully so callers can ignore them without tearing down the
// connection.
func Parse(frame []byte) (*Frame, error) {
	d := NewDecoder(frame)
	msgType, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	f := &Frame{Type: msgType}
	switch msgType {
	case MessageSync:
		kind, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		f.SyncKind = kind
		if kind == SyncQuery || kind == SyncDiff || kind == SyncUpdate {
			payload, err := d.ReadBytes()
			if err != nil {
				return nil, err
			}
			f.Payload = payload
		}
	case MessageAwareness:
		f.Payload = d.Remaining()
	}
	return f, nil
}

// EncodeSyncQuery frames a state vector query.
func EncodeSyncQuery(stateVector []byte) []byte {
	var e Encoder
	e.WriteVarUint(MessageSync)
	e.WriteVarUint(SyncQuery)
	e.WriteBytes(stateVector)
	return e.Bytes()
}

// EncodeSyncDiff frames a point-to-point diff response.
func EncodeSyncDiff(update []byte) []byte {
	var e Encoder
	e.WriteVarUint(MessageSync)
	e.WriteVarUint(SyncDiff)
	e.WriteBytes(update)
	return e.Bytes()
}

// EncodeSyncUpdate frames a locally authored update.
func EncodeSyncUpdate(update []byte) []byte {
	var e Encoder
	e.WriteVarUint(MessageSync)
	e.WriteVarUint(SyncUpdate)
	e.WriteBytes(update)
	return e.Bytes()
}

// EncodeAwareness frames an opaque presence payload.
func EncodeAwareness(payload []byte) []byte {
	var e Encoder
	e.WriteVarUint(MessageAwareness)
	e.buf = append(e.buf, payload...)
	return e.Bytes()
}
