package codec

import (
	"encoding/binary"
	"errors"
	"proof-rpc/message"
)

var errShortBuffer = errors.New("BinaryCodec: short buffer")

// BinaryCodec lays out an RPCMessage as three length-prefixed fields:
//
//	opLen(2) | op | payloadLen(4) | payload | errLen(4) | err
//
// Payloads carry proof bytes verbatim.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	// v must be *RPCMessage
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *RPCMessage")
	}
	if len(msg.Operation) > 0xffff {
		return nil, errors.New("BinaryCodec: operation name too long")
	}

	total := 2 + len(msg.Operation) + 4 + len(msg.Payload) + 4 + len(msg.Error)
	buf := make([]byte, total)

	offset := 0
	// Operation length -- 2 bytes
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(msg.Operation)))
	offset += 2
	offset += copy(buf[offset:], msg.Operation)

	// Payload length -- 4 bytes
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(msg.Payload)))
	offset += 4
	offset += copy(buf[offset:], msg.Payload)

	// Error length -- 4 bytes
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(msg.Error)))
	offset += 4
	copy(buf[offset:], msg.Error)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	// v must be *RPCMessage
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errors.New("BinaryCodec: v must be *RPCMessage")
	}

	offset := 0

	// Read Operation
	if len(data) < offset+2 {
		return errShortBuffer
	}
	opLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if len(data) < offset+opLen {
		return errShortBuffer
	}
	msg.Operation = string(data[offset : offset+opLen])
	offset += opLen

	// Read Payload
	if len(data) < offset+4 {
		return errShortBuffer
	}
	payloadLen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if len(data) < offset+payloadLen {
		return errShortBuffer
	}
	msg.Payload = make([]byte, payloadLen)
	copy(msg.Payload, data[offset:offset+payloadLen])
	offset += payloadLen

	// Read Error
	if len(data) < offset+4 {
		return errShortBuffer
	}
	errLen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if len(data) < offset+errLen {
		return errShortBuffer
	}
	msg.Error = string(data[offset : offset+errLen])

	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
