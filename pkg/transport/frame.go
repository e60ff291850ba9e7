package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType is the one-byte tag after the length prefix.
type MessageType byte

const (
	MsgDiscovery         MessageType = 0x01
	MsgDiscoveryResponse MessageType = 0x02
)

const (
	headerSize   = 5
	MaxFrameSize = 64 * 1024
)

var ErrBadFrame = errors.New("malformed frame")

// EncodeFrame lays out [4-byte big-endian length][type][JSON], where length
// counts the type byte plus the payload.
func EncodeFrame(typ MessageType, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	if headerSize+len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadFrame, headerSize+len(payload))
	}

	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)+1))
	buf[4] = byte(typ)
	copy(buf[headerSize:], payload)
	return buf, nil
}

// DecodeFrame splits a datagram into its type and payload. Trailing bytes
// beyond the declared length are ignored.
func DecodeFrame(data []byte) (MessageType, []byte, error) {
	if len(data) < headerSize {
		return 0, nil, fmt.Errorf("%w: short header", ErrBadFrame)
	}
	total := binary.BigEndian.Uint32(data)
	if total == 0 || uint64(len(data)) < uint64(total)+4 {
		return 0, nil, fmt.Errorf("%w: incomplete message", ErrBadFrame)
	}
	return MessageType(data[4]), data[headerSize : 4+total], nil
}

func decodeBeacon(data []byte) (MessageType, Beacon, error) {
	typ, payload, err := DecodeFrame(data)
	if err != nil {
		return 0, Beacon{}, err
	}
	var b Beacon
	if err := json.Unmarshal(payload, &b); err != nil {
		return 0, Beacon{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return typ, b, nil
}
