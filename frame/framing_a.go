// Framing A: length-prefixed, little-endian. This is the canonical internal
// framing (spec §4.1, §9 design note 4 — "an implementation must pick one
// framing as internal canonical; framing A recommended for its regularity").
// It connects the hub to workers and to callers that dial it directly.
//
// Wire layout, all integers little-endian:
//
//	frameLen(4) | kind(1) compression(1) priority(1) timestamp(8) trace_id(36)
//	            | id_len(4) id | service_len(4) service | method_len(4) method
//	            | meta_len(4) meta_json | data_len(4) data | checksum(4)
//
// checksum is the CRC-32 (IEEE) of every byte between frameLen and itself.
package frame

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
)

const traceIDFieldSize = 36

// fixedHeaderSize is kind+compression+priority+timestamp+trace_id.
const fixedHeaderSize = 1 + 1 + 1 + 8 + traceIDFieldSize

// EncodeA writes f to w using Framing A. Metadata keys are serialized in
// lexicographic order (encoding/json sorts map[string]string keys), so two
// independent encoders produce byte-identical frames for equal logical
// content.
func EncodeA(w io.Writer, f *Frame, maxFrameBytes int) error {
	if err := f.Validate(maxFrameBytes); err != nil {
		return err
	}

	metaJSON, err := json.Marshal(f.Metadata)
	if err != nil {
		return fmt.Errorf("frame: encode metadata: %w", err)
	}

	body := make([]byte, 0, fixedHeaderSize+len(f.CorrelationID)+len(f.Service)+len(f.Method)+len(metaJSON)+len(f.Payload)+64)

	body = append(body, byte(f.Kind), byte(f.Compression), byte(f.Priority))
	body = appendUint64LE(body, uint64(f.Timestamp))
	body = appendTraceID(body, f.TraceID)

	body = appendLenPrefixedLE(body, f.CorrelationID)
	body = appendLenPrefixedLE(body, []byte(f.Service))
	body = appendLenPrefixedLE(body, []byte(f.Method))
	body = appendLenPrefixedLE(body, metaJSON)
	body = appendLenPrefixedLE(body, f.Payload)

	checksum := crc32.ChecksumIEEE(body)
	body = appendUint32LE(body, checksum)

	frameLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(frameLen, uint32(len(body)))

	if _, err := w.Write(frameLen); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// DecodeA reads one Framing A frame from r. It never reads past the declared
// frame length and fails with an ErrInvalidFrame-class error on any
// malformed input.
func DecodeA(r io.Reader, maxFrameBytes int) (*Frame, error) {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	frameLen := binary.LittleEndian.Uint32(lenBuf)
	if frameLen == 0 || int64(frameLen) > int64(maxFrameBytes)*2+1<<20 {
		return nil, fmt.Errorf("%w: frame length %d out of range", ErrInvalidFrame, frameLen)
	}

	body := make([]byte, frameLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	if len(body) < fixedHeaderSize+4 {
		return nil, fmt.Errorf("%w: frame shorter than fixed header", ErrInvalidFrame)
	}

	declaredChecksum := binary.LittleEndian.Uint32(body[len(body)-4:])
	payload := body[:len(body)-4]
	if crc32.ChecksumIEEE(payload) != declaredChecksum {
		return nil, ErrChecksumMismatch
	}

	f := &Frame{}
	off := 0

	f.Kind = Kind(payload[off])
	off++
	f.Compression = Compression(payload[off])
	off++
	f.Priority = Priority(payload[off])
	off++

	f.Timestamp = int64(binary.LittleEndian.Uint64(payload[off : off+8]))
	off += 8

	traceBytes := payload[off : off+traceIDFieldSize]
	off += traceIDFieldSize
	f.TraceID = trimTraceID(traceBytes)

	var err error
	var b []byte

	if b, off, err = readLenPrefixedLE(payload, off); err != nil {
		return nil, err
	}
	f.CorrelationID = b

	if b, off, err = readLenPrefixedLE(payload, off); err != nil {
		return nil, err
	}
	f.Service = string(b)

	if b, off, err = readLenPrefixedLE(payload, off); err != nil {
		return nil, err
	}
	f.Method = string(b)

	if b, off, err = readLenPrefixedLE(payload, off); err != nil {
		return nil, err
	}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &f.Metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidFrame, err)
		}
	}

	if b, off, err = readLenPrefixedLE(payload, off); err != nil {
		return nil, err
	}
	f.Payload = b

	if off != len(payload) {
		return nil, fmt.Errorf("%w: trailing garbage after declared fields", ErrInvalidFrame)
	}
	if len(f.Payload) > maxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	f.Checksum = declaredChecksum

	return f, nil
}

func appendUint32LE(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint64LE(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendTraceID(b []byte, traceID string) []byte {
	var tmp [traceIDFieldSize]byte
	copy(tmp[:], traceID)
	return append(b, tmp[:]...)
}

func trimTraceID(b []byte) string {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return string(b[:end])
}

func appendLenPrefixedLE(b []byte, field []byte) []byte {
	b = appendUint32LE(b, uint32(len(field)))
	return append(b, field...)
}

func readLenPrefixedLE(data []byte, off int) ([]byte, int, error) {
	if off+4 > len(data) {
		return nil, 0, fmt.Errorf("%w: truncated length prefix", ErrInvalidFrame)
	}
	n := binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	if n > MaxLabelBytes*1 && n > uint32(DefaultMaxFrameBytes) {
		return nil, 0, fmt.Errorf("%w: field length %d implausible", ErrInvalidFrame, n)
	}
	if off+int(n) > len(data) || int(n) < 0 {
		return nil, 0, fmt.Errorf("%w: field overruns frame", ErrInvalidFrame)
	}
	out := make([]byte, n)
	copy(out, data[off:off+int(n)])
	return out, off + int(n), nil
}
