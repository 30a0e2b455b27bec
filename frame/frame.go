// Package frame defines the wire protocol's sole transport unit — the Frame —
// and the two framings used to move it between workers, the hub, and callers.
//
// Framing A is length-prefixed and little-endian; it is the canonical internal
// framing used between the hub and workers. Framing B is self-describing,
// big-endian, and checksummed; it is used only at the service-discovery
// boundary. See framing_a.go and framing_b.go.
package frame

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind distinguishes the five frame types the hub and its peers exchange.
type Kind byte

const (
	KindRequest Kind = iota
	KindResponse
	KindRegister
	KindHeartbeat
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "REQUEST"
	case KindResponse:
		return "RESPONSE"
	case KindRegister:
		return "REGISTER"
	case KindHeartbeat:
		return "HEARTBEAT"
	case KindError:
		return "ERROR"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// Priority is advisory; the dispatcher may use it to reorder write-blocked
// queues but must never rely on it for correctness (spec §4.2, §9(d)).
type Priority byte

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// Compression identifies the algorithm applied to Payload only.
type Compression byte

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

// DefaultMaxFrameBytes bounds Payload as shipped on the wire (spec §3).
const DefaultMaxFrameBytes = 10 * 1024 * 1024

// MaxLabelBytes bounds CorrelationID, Service, and Method (spec §3).
const MaxLabelBytes = 65535

// Frame is the protocol's sole transport unit (spec §3).
type Frame struct {
	Kind          Kind
	CorrelationID []byte
	Service       string
	Method        string
	Metadata      map[string]string
	Payload       []byte
	Compression   Compression
	Priority      Priority
	TraceID       string // 36-byte ASCII UUID
	Timestamp     int64  // millisecond epoch
	Checksum      uint32
}

// NewTraceID returns a fresh 36-byte ASCII UUID suitable for Frame.TraceID.
func NewTraceID() string {
	return uuid.NewString()
}

var (
	ErrInvalidFrame          = errors.New("frame: invalid frame")
	ErrChecksumMismatch      = errors.New("frame: checksum mismatch")
	ErrUnsupportedVersion    = errors.New("frame: unsupported version")
	ErrFrameTooLarge         = errors.New("frame: frame exceeds max_frame_bytes")
	ErrUnsupportedCompression = errors.New("frame: unsupported compression")
	ErrDecompressBomb        = errors.New("frame: decompressed payload exceeds bound")
)

// Validate enforces the structural invariants spec §3 lists for a Frame
// about to be encoded. It does not check cross-connection invariants like
// "RESPONSE correlates to an outstanding REQUEST" — those belong to the hub.
func (f *Frame) Validate(maxFrameBytes int) error {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	if f.Kind == KindRegister && f.Service == "" {
		return fmt.Errorf("%w: REGISTER requires non-empty service", ErrInvalidFrame)
	}
	if len(f.CorrelationID) > MaxLabelBytes {
		return fmt.Errorf("%w: correlation_id exceeds %d bytes", ErrInvalidFrame, MaxLabelBytes)
	}
	if len(f.Service) > MaxLabelBytes {
		return fmt.Errorf("%w: service exceeds %d bytes", ErrInvalidFrame, MaxLabelBytes)
	}
	if len(f.Method) > MaxLabelBytes {
		return fmt.Errorf("%w: method exceeds %d bytes", ErrInvalidFrame, MaxLabelBytes)
	}
	if len(f.Payload) > maxFrameBytes {
		return fmt.Errorf("%w: payload exceeds %d bytes", ErrFrameTooLarge, maxFrameBytes)
	}
	return nil
}
