package codec

import (
	"encoding/binary"
	"errors"
	"math"
	"sort"

	"order-pipeline/message"

	"google.golang.org/grpc/codes"
)

var (
	errNotMessage  = errors.New("BinaryCodec: v must be *RPCMessage")
	errShortBuffer = errors.New("BinaryCodec: short buffer")
	errTooLong     = errors.New("BinaryCodec: field too long")
)

// BinaryCodec lays the envelope out as length-prefixed fields, big-endian:
//
//	method(2+n) code(4) payload(4+n) error(2+n) metaCount(2) {key(2+n) value(2+n)}*
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errNotMessage
	}
	if len(msg.ServiceMethod) > math.MaxUint16 || len(msg.Error) > math.MaxUint16 || len(msg.Meta) > math.MaxUint16 {
		return nil, errTooLong
	}

	total := 2 + len(msg.ServiceMethod) + 4 + 4 + len(msg.Payload) + 2 + len(msg.Error) + 2
	keys := make([]string, 0, len(msg.Meta))
	for k, val := range msg.Meta {
		if len(k) > math.MaxUint16 || len(val) > math.MaxUint16 {
			return nil, errTooLong
		}
		keys = append(keys, k)
		total += 2 + len(k) + 2 + len(val)
	}
	// stable output for identical messages
	sort.Strings(keys)

	buf := make([]byte, 0, total)
	buf = appendString16(buf, msg.ServiceMethod)
	buf = binary.BigEndian.AppendUint32(buf, uint32(msg.Code))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	buf = appendString16(buf, msg.Error)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(keys)))
	for _, k := range keys {
		buf = appendString16(buf, k)
		buf = appendString16(buf, msg.Meta[k])
	}
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errNotMessage
	}
	r := reader{data: data}

	msg.ServiceMethod = r.string16()
	msg.Code = codes.Code(r.uint32())
	payloadLen := r.uint32()
	msg.Payload = r.bytes(int(payloadLen))
	msg.Error = r.string16()

	n := int(r.uint16())
	if n > 0 {
		msg.Meta = make(map[string]string, n)
		for i := 0; i < n; i++ {
			k := r.string16()
			msg.Meta[k] = r.string16()
		}
	}
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func appendString16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// reader walks a frame body; the first out-of-range read latches err and
// every later read returns a zero value.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = errShortBuffer
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) string16() string {
	return string(r.take(int(r.uint16())))
}

func (r *reader) bytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
