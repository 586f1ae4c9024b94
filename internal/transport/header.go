package transport

import (
	"encoding/binary"
	"fmt"
)

// Protocol versions. Every compatible version carries the 4-byte variable
// header length field; older framings are rejected outright so the parser
// has a single closed format.
const (
	// CurrentVersion is the protocol version this node speaks.
	CurrentVersion int32 = 3

	// MinCompatibleVersion is the oldest version accepted on regular
	// request/response frames.
	MinCompatibleVersion int32 = 2

	// MinHandshakeVersion is the oldest version accepted on handshake
	// frames, which probe compatibility before regular traffic starts.
	MinHandshakeVersion int32 = 2
)

// Status flag bits.
const (
	flagRequest    byte = 1 << 0
	flagError      byte = 1 << 1
	flagCompressed byte = 1 << 2
	flagHandshake  byte = 1 << 3
)

// Frame size constants.
const (
	// lengthPrefixSize is the 4-byte big-endian total length field.
	lengthPrefixSize = 4

	// fixedHeaderSize is correlation id (8) + status (1) + version (4),
	// the bytes counted by the length prefix before the variable header.
	fixedHeaderSize = 8 + 1 + 4

	// varHeaderLenSize is the 4-byte variable header length field.
	varHeaderLenSize = 4

	// DefaultMaxMessageSize caps the declared size of a single frame.
	// Length fields beyond it are treated as stream corruption before any
	// payload memory is committed.
	DefaultMaxMessageSize = 2 << 30 // 2 GiB
)

// Header is the parsed leading section of one wire message.
type Header struct {
	// TotalLength is the declared frame length excluding the 4-byte prefix.
	// Zero for pings.
	TotalLength int
	// CorrelationID pairs a response with its request.
	CorrelationID int64
	// Status holds the raw status flag bits.
	Status byte
	// Version is the sender's protocol version.
	Version int32
	// Action is the request action name from the variable header.
	// Empty on responses.
	Action string
	// Ping marks a zero-length keepalive frame.
	Ping bool

	// wireSize is the full header footprint on the wire, including the
	// length prefix and variable header bytes.
	wireSize int
}

// IsRequest reports whether the request flag is set.
func (h *Header) IsRequest() bool { return h.Status&flagRequest != 0 }

// IsResponse reports whether the frame is a response.
func (h *Header) IsResponse() bool { return h.Status&flagRequest == 0 }

// IsError reports whether the error flag is set (error-bearing response).
func (h *Header) IsError() bool { return h.Status&flagError != 0 }

// IsCompressed reports whether the payload is compressed.
func (h *Header) IsCompressed() bool { return h.Status&flagCompressed != 0 }

// IsHandshake reports whether the handshake flag is set.
func (h *Header) IsHandshake() bool { return h.Status&flagHandshake != 0 }

// ContentLength returns the number of payload bytes following the header.
func (h *Header) ContentLength() int {
	if h.Ping {
		return 0
	}
	return lengthPrefixSize + h.TotalLength - h.wireSize
}

// Kind returns a short name for the frame's role, used for logging and
// metrics labels.
func (h *Header) Kind() string {
	switch {
	case h.Ping:
		return "ping"
	case h.IsHandshake():
		return "handshake"
	case h.IsRequest():
		return "request"
	default:
		return "response"
	}
}

// parseHeader attempts to parse a complete header from the front of buf.
// It returns (nil, 0, nil) when buf does not yet hold a complete header;
// parsing is re-entrant on the same prefix with more bytes appended.
// Errors are fatal to the connection.
func parseHeader(buf []byte, maxMessageSize int) (*Header, int, error) {
	if len(buf) < lengthPrefixSize {
		return nil, 0, nil
	}

	totalLength := int(int32(binary.BigEndian.Uint32(buf[0:4])))
	if totalLength == 0 {
		return &Header{Ping: true, wireSize: lengthPrefixSize}, lengthPrefixSize, nil
	}
	if totalLength < 0 {
		return nil, 0, fmt.Errorf("%w: negative frame length %d", ErrCorruptedStream, totalLength)
	}
	if lengthPrefixSize+totalLength > maxMessageSize {
		return nil, 0, fmt.Errorf("%w: frame length %d exceeds limit %d", ErrCorruptedStream, totalLength, maxMessageSize)
	}
	if totalLength < fixedHeaderSize+varHeaderLenSize {
		return nil, 0, fmt.Errorf("%w: frame length %d shorter than header", ErrCorruptedStream, totalLength)
	}

	if len(buf) < lengthPrefixSize+fixedHeaderSize+varHeaderLenSize {
		return nil, 0, nil
	}

	h := &Header{
		TotalLength:   totalLength,
		CorrelationID: int64(binary.BigEndian.Uint64(buf[4:12])),
		Status:        buf[12],
		Version:       int32(binary.BigEndian.Uint32(buf[13:17])),
	}

	if err := checkVersion(h); err != nil {
		return nil, 0, err
	}

	varLen := int(int32(binary.BigEndian.Uint32(buf[17:21])))
	if varLen < 0 {
		return nil, 0, fmt.Errorf("%w: negative variable header length %d", ErrCorruptedStream, varLen)
	}
	if varLen > totalLength-fixedHeaderSize-varHeaderLenSize {
		return nil, 0, fmt.Errorf("%w: variable header length %d exceeds frame", ErrCorruptedStream, varLen)
	}

	headerEnd := lengthPrefixSize + fixedHeaderSize + varHeaderLenSize + varLen
	if len(buf) < headerEnd {
		return nil, 0, nil
	}

	if err := parseVariableHeader(h, buf[lengthPrefixSize+fixedHeaderSize+varHeaderLenSize:headerEnd]); err != nil {
		return nil, 0, err
	}

	h.wireSize = headerEnd
	return h, headerEnd, nil
}

// checkVersion validates the frame version against the compatible range for
// its role.
func checkVersion(h *Header) error {
	min := MinCompatibleVersion
	if h.IsHandshake() {
		min = MinHandshakeVersion
	}
	if h.Version < min || h.Version > CurrentVersion {
		return fmt.Errorf("%w: version %d on %s frame, supported [%d, %d]",
			ErrIncompatibleVersion, h.Version, h.Kind(), min, CurrentVersion)
	}
	return nil
}

// parseVariableHeader extracts the action name on request frames. Response
// frames carry an empty variable header today; extra bytes are reserved for
// future keys and skipped.
func parseVariableHeader(h *Header, buf []byte) error {
	if !h.IsRequest() {
		return nil
	}
	if len(buf) < 2 {
		return fmt.Errorf("%w: request variable header too short for action", ErrCorruptedStream)
	}
	actionLen := int(binary.BigEndian.Uint16(buf[0:2]))
	if actionLen > len(buf)-2 {
		return fmt.Errorf("%w: action length %d exceeds variable header", ErrCorruptedStream, actionLen)
	}
	h.Action = string(buf[2 : 2+actionLen])
	return nil
}
