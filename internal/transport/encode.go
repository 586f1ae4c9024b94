package transport

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeRequest serializes a request frame for the given action. The payload
// is compressed under scheme unless scheme is SchemeNone.
func EncodeRequest(correlationID int64, action string, payload []byte, scheme Scheme) ([]byte, error) {
	return encodeFrame(correlationID, flagRequest, CurrentVersion, action, payload, scheme)
}

// EncodeHandshake serializes a handshake request frame at the given version.
// Handshake payloads are never compressed: compression support is itself
// negotiated by the handshake.
func EncodeHandshake(correlationID int64, action string, version int32, payload []byte) ([]byte, error) {
	return encodeFrame(correlationID, flagRequest|flagHandshake, version, action, payload, SchemeNone)
}

// EncodeResponse serializes a response frame.
func EncodeResponse(correlationID int64, payload []byte, scheme Scheme) ([]byte, error) {
	return encodeFrame(correlationID, 0, CurrentVersion, "", payload, scheme)
}

// EncodeErrorResponse serializes an error-bearing response whose payload is
// the error text.
func EncodeErrorResponse(correlationID int64, err error) ([]byte, error) {
	return encodeFrame(correlationID, flagError, CurrentVersion, "", []byte(err.Error()), SchemeNone)
}

// EncodeHandshakeResponse serializes the response to a handshake: the
// responder's protocol version as a 4-byte big-endian payload.
func EncodeHandshakeResponse(correlationID int64) ([]byte, error) {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], uint32(CurrentVersion))
	return encodeFrame(correlationID, flagHandshake, CurrentVersion, "", payload[:], SchemeNone)
}

// EncodePing returns the 4-byte zero-length keepalive frame.
func EncodePing() []byte {
	return []byte{0, 0, 0, 0}
}

func encodeFrame(correlationID int64, flags byte, version int32, action string, payload []byte, scheme Scheme) ([]byte, error) {
	if len(action) > math.MaxUint16 {
		return nil, fmt.Errorf("action name too long: %d bytes", len(action))
	}

	content, err := Compress(scheme, payload)
	if err != nil {
		return nil, err
	}
	if scheme != SchemeNone {
		flags |= flagCompressed
	}

	varHeaderLen := 0
	if flags&flagRequest != 0 {
		varHeaderLen = 2 + len(action)
	}

	totalLength := fixedHeaderSize + varHeaderLenSize + varHeaderLen + len(content)
	buf := make([]byte, lengthPrefixSize+totalLength)

	binary.BigEndian.PutUint32(buf[0:4], uint32(totalLength))
	binary.BigEndian.PutUint64(buf[4:12], uint64(correlationID))
	buf[12] = flags
	binary.BigEndian.PutUint32(buf[13:17], uint32(version))
	binary.BigEndian.PutUint32(buf[17:21], uint32(varHeaderLen))

	offset := lengthPrefixSize + fixedHeaderSize + varHeaderLenSize
	if flags&flagRequest != 0 {
		binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(action)))
		copy(buf[offset+2:], action)
		offset += varHeaderLen
	}
	copy(buf[offset:], content)

	return buf, nil
}
