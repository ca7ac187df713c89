// Package wire implements the tunnel wire format: a CBOR-encoded envelope
// carried in a length-prefixed binary frame.
//
// The envelope is the only structure that ever appears in cleartext on the
// wire. Its destination field is visible so transport-level routing can work
// without the key; everything else lives inside the sealed payload.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"cloak-proxy/internal/model"
)

// DefaultMaxFrameBytes bounds frame allocation when no explicit limit is
// configured. 16 MiB is generous for LLM API traffic.
const DefaultMaxFrameBytes = 16 * 1024 * 1024

// lengthPrefixSize is the fixed size of the big-endian length prefix.
const lengthPrefixSize = 4

// encMode is the CBOR encoder configured with Core Deterministic Encoding
// (RFC 8949 §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes.
var encMode cbor.EncMode

// decMode is the CBOR decoder configured to accept standard CBOR.
// Unknown fields are silently ignored for forward compatibility.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// Envelope is the plaintext-routable, payload-opaque structure exchanged
// over the transport. Destination is the proxy's own address, not the
// upstream's. Payload is the sealed serialization of a request or response
// descriptor.
type Envelope struct {
	Destination string `cbor:"destination"`
	Payload     []byte `cbor:"payload"`
}

// FramingError reports a malformed or oversized frame. Framing failures
// are protocol violations: no trust has been established, so the
// connection is closed without a response.
type FramingError struct {
	Reason string
	Err    error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("framing: %s: %v", e.Reason, e.Err)
	}
	return "framing: " + e.Reason
}

func (e *FramingError) Unwrap() error { return e.Err }

// Codec reads and writes framed envelopes. It holds no state between
// frames; MaxFrameBytes bounds allocation against malicious or buggy
// peers.
type Codec struct {
	MaxFrameBytes uint32
}

// NewCodec returns a Codec with the given frame size limit.
// A zero limit selects DefaultMaxFrameBytes.
func NewCodec(maxFrameBytes uint32) Codec {
	if maxFrameBytes == 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return Codec{MaxFrameBytes: maxFrameBytes}
}

// WriteFrame writes one framed envelope to w: a 4-byte big-endian length
// prefix followed by the CBOR-encoded envelope.
func (c Codec) WriteFrame(w io.Writer, envelope *Envelope) error {
	data, err := encMode.Marshal(envelope)
	if err != nil {
		return &FramingError{Reason: "encode envelope", Err: err}
	}
	if uint32(len(data)) > c.MaxFrameBytes {
		return &FramingError{Reason: fmt.Sprintf("frame length %d exceeds maximum %d", len(data), c.MaxFrameBytes)}
	}
	var prefix [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return &FramingError{Reason: "write length prefix", Err: err}
	}
	if _, err := w.Write(data); err != nil {
		return &FramingError{Reason: "write frame body", Err: err}
	}
	return nil
}

// ReadFrame reads exactly one framed envelope from r. The declared length
// is checked against MaxFrameBytes before any allocation of that size. A
// stream that closes mid-frame is a framing error.
func (c Codec) ReadFrame(r io.Reader) (*Envelope, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, &FramingError{Reason: "read length prefix", Err: err}
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 {
		return nil, &FramingError{Reason: "zero-length frame"}
	}
	if length > c.MaxFrameBytes {
		return nil, &FramingError{Reason: fmt.Sprintf("frame length %d exceeds maximum %d", length, c.MaxFrameBytes)}
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, &FramingError{Reason: "read frame body", Err: err}
	}
	var envelope Envelope
	if err := decMode.Unmarshal(data, &envelope); err != nil {
		return nil, &FramingError{Reason: "decode envelope", Err: err}
	}
	return &envelope, nil
}

// MarshalRequest encodes a request descriptor for sealing.
func MarshalRequest(d *model.RequestDescriptor) ([]byte, error) {
	data, err := encMode.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode request descriptor: %w", err)
	}
	return data, nil
}

// UnmarshalRequest decodes a request descriptor from decrypted payload
// plaintext. Header keys are normalized to canonical form.
func UnmarshalRequest(data []byte) (*model.RequestDescriptor, error) {
	var d model.RequestDescriptor
	if err := decMode.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode request descriptor: %w", err)
	}
	d.Headers = d.Headers.Normalized()
	return &d, nil
}

// MarshalResponse encodes a response descriptor for sealing.
func MarshalResponse(d *model.ResponseDescriptor) ([]byte, error) {
	data, err := encMode.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode response descriptor: %w", err)
	}
	return data, nil
}

// UnmarshalResponse decodes a response descriptor from decrypted payload
// plaintext. Header keys are normalized to canonical form.
func UnmarshalResponse(data []byte) (*model.ResponseDescriptor, error) {
	var d model.ResponseDescriptor
	if err := decMode.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode response descriptor: %w", err)
	}
	d.Headers = d.Headers.Normalized()
	return &d, nil
}
