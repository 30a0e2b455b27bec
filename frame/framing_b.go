// Framing B: self-describing, big-endian, checksummed. Used only at the
// service-discovery boundary (register/deregister/discover against the
// hub's discovery endpoint), per spec §4.1 and grounded in
// original_source/python-ipc/protocol/protocol.go's struct-packed header.
//
// Request layout, big-endian:
//
//	magic(2)=0xAEBD | version(1)=0x01 | msg_id_len(2) msg_id
//	method_len(2) method | param_len(4) param_bytes | checksum(4)=CRC32(preceding)
//
// Response layout:
//
//	magic(2) | version(1) | body_len(4) | body_bytes (JSON)
package frame

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	MagicB        uint16 = 0xAEBD
	VersionB      byte   = 0x01
	maxBParamSize        = DefaultMaxFrameBytes
)

// DiscoveryRequest is one framing-B request: a named method plus opaque
// JSON parameters (register/deregister/discover, spec §6).
type DiscoveryRequest struct {
	MsgID  string
	Method string
	Params []byte
}

// EncodeDiscoveryRequest serializes req using framing B, appending a
// trailing CRC-32 over every preceding byte.
func EncodeDiscoveryRequest(w io.Writer, req *DiscoveryRequest) error {
	if len(req.MsgID) > 0xFFFF {
		return fmt.Errorf("%w: msg_id exceeds 65535 bytes", ErrInvalidFrame)
	}
	if len(req.Method) > 0xFFFF {
		return fmt.Errorf("%w: method exceeds 65535 bytes", ErrInvalidFrame)
	}
	if len(req.Params) > maxBParamSize {
		return fmt.Errorf("%w: params exceed %d bytes", ErrFrameTooLarge, maxBParamSize)
	}

	buf := make([]byte, 0, 2+1+2+len(req.MsgID)+2+len(req.Method)+4+len(req.Params)+4)
	buf = appendUint16BE(buf, MagicB)
	buf = append(buf, VersionB)
	buf = appendUint16BE(buf, uint16(len(req.MsgID)))
	buf = append(buf, req.MsgID...)
	buf = appendUint16BE(buf, uint16(len(req.Method)))
	buf = append(buf, req.Method...)
	buf = appendUint32BE(buf, uint32(len(req.Params)))
	buf = append(buf, req.Params...)

	checksum := crc32.ChecksumIEEE(buf)
	buf = appendUint32BE(buf, checksum)

	_, err := w.Write(buf)
	return err
}

// DecodeDiscoveryRequest reads one framing-B request from r, verifying the
// magic number, version, and trailing checksum.
func DecodeDiscoveryRequest(r io.Reader) (*DiscoveryRequest, error) {
	head := make([]byte, 2+1)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	magic := binary.BigEndian.Uint16(head[0:2])
	if magic != MagicB {
		return nil, fmt.Errorf("%w: bad magic %x", ErrInvalidFrame, magic)
	}
	version := head[2]
	if version != VersionB {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, version)
	}

	rest := append([]byte{}, head...)

	msgIDLenBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, msgIDLenBuf); err != nil {
		return nil, err
	}
	rest = append(rest, msgIDLenBuf...)
	msgIDLen := binary.BigEndian.Uint16(msgIDLenBuf)
	msgID := make([]byte, msgIDLen)
	if _, err := io.ReadFull(r, msgID); err != nil {
		return nil, err
	}
	rest = append(rest, msgID...)

	methodLenBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, methodLenBuf); err != nil {
		return nil, err
	}
	rest = append(rest, methodLenBuf...)
	methodLen := binary.BigEndian.Uint16(methodLenBuf)
	method := make([]byte, methodLen)
	if _, err := io.ReadFull(r, method); err != nil {
		return nil, err
	}
	rest = append(rest, method...)

	paramLenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, paramLenBuf); err != nil {
		return nil, err
	}
	rest = append(rest, paramLenBuf...)
	paramLen := binary.BigEndian.Uint32(paramLenBuf)
	if paramLen > maxBParamSize {
		return nil, fmt.Errorf("%w: params exceed %d bytes", ErrFrameTooLarge, maxBParamSize)
	}
	params := make([]byte, paramLen)
	if _, err := io.ReadFull(r, params); err != nil {
		return nil, err
	}
	rest = append(rest, params...)

	checksumBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, checksumBuf); err != nil {
		return nil, err
	}
	declared := binary.BigEndian.Uint32(checksumBuf)
	if crc32.ChecksumIEEE(rest) != declared {
		return nil, ErrChecksumMismatch
	}

	return &DiscoveryRequest{
		MsgID:  string(msgID),
		Method: string(method),
		Params: params,
	}, nil
}

// EncodeDiscoveryResponse writes body (JSON) as a framing-B response.
func EncodeDiscoveryResponse(w io.Writer, body []byte) error {
	buf := make([]byte, 0, 2+1+4+len(body))
	buf = appendUint16BE(buf, MagicB)
	buf = append(buf, VersionB)
	buf = appendUint32BE(buf, uint32(len(body)))
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// DecodeDiscoveryResponse reads one framing-B response body from r.
func DecodeDiscoveryResponse(r io.Reader) ([]byte, error) {
	head := make([]byte, 2+1+4)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	magic := binary.BigEndian.Uint16(head[0:2])
	if magic != MagicB {
		return nil, fmt.Errorf("%w: bad magic %x", ErrInvalidFrame, magic)
	}
	version := head[2]
	if version != VersionB {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, version)
	}
	bodyLen := binary.BigEndian.Uint32(head[3:7])
	if bodyLen > maxBParamSize {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrFrameTooLarge, maxBParamSize)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func appendUint16BE(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint32BE(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}
