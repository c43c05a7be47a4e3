package api

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Datagram layout: a fixed header (tag, sender) followed by the message
// payload. All integers are big-endian. Byte strings are length-prefixed
// with a uint32. Decoding is strict: unknown tags, unknown lock operations,
// truncated buffers, and trailing garbage are all errors.

// MaxDatagramSize bounds encoded messages. Tables and keys are short byte
// strings in practice; anything larger than this is corruption.
const MaxDatagramSize = 64 * 1024

var (
	// ErrShortBuffer means the datagram ended before its payload did.
	ErrShortBuffer = errors.New("api: short buffer")
	// ErrTrailingBytes means the datagram carried bytes past its payload.
	ErrTrailingBytes = errors.New("api: trailing bytes")
)

// Encode serializes msg as a datagram sent by from.
func Encode(from NodeID, msg Message) ([]byte, error) {
	b := make([]byte, 0, 64)
	b = binary.BigEndian.AppendUint16(b, uint16(msg.Tag()))
	b = binary.BigEndian.AppendUint64(b, uint64(from))
	b = msg.appendPayload(b)
	if len(b) > MaxDatagramSize {
		return nil, fmt.Errorf("api: encoded %s exceeds %d bytes", msg.Tag(), MaxDatagramSize)
	}
	return b, nil
}

// Decode parses a datagram, returning the sender recorded in the header and
// the decoded message.
func Decode(b []byte) (NodeID, Message, error) {
	if len(b) < 10 {
		return 0, nil, ErrShortBuffer
	}
	tag := MessageTag(binary.BigEndian.Uint16(b))
	from := NodeID(binary.BigEndian.Uint64(b[2:]))
	payload := b[10:]
	var msg Message
	switch tag {
	case TagLockOpRequest:
		msg = &LockOpRequest{}
	case TagLockOpResponse:
		msg = &LockOpResponse{}
	case TagRawLockRequest:
		msg = &RawLockRequest{}
	case TagRawLockResponse:
		msg = &RawLockResponse{}
	case TagWound:
		msg = &Wound{}
	default:
		return 0, nil, fmt.Errorf("api: unknown message tag 0x%04x", uint16(tag))
	}
	if err := msg.decodePayload(payload); err != nil {
		return 0, nil, fmt.Errorf("api: decode %s: %w", tag, err)
	}
	return from, msg, nil
}

type reader struct {
	b []byte
}

func (r *reader) uint16() (uint16, error) {
	if len(r.b) < 2 {
		return 0, ErrShortBuffer
	}
	v := binary.BigEndian.Uint16(r.b)
	r.b = r.b[2:]
	return v, nil
}

func (r *reader) uint32() (uint32, error) {
	if len(r.b) < 4 {
		return 0, ErrShortBuffer
	}
	v := binary.BigEndian.Uint32(r.b)
	r.b = r.b[4:]
	return v, nil
}

func (r *reader) uint64() (uint64, error) {
	if len(r.b) < 8 {
		return 0, ErrShortBuffer
	}
	v := binary.BigEndian.Uint64(r.b)
	r.b = r.b[8:]
	return v, nil
}

func (r *reader) byte() (byte, error) {
	if len(r.b) < 1 {
		return 0, ErrShortBuffer
	}
	v := r.b[0]
	r.b = r.b[1:]
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if uint32(len(r.b)) < n {
		return nil, ErrShortBuffer
	}
	v := append([]byte(nil), r.b[:n]...)
	r.b = r.b[n:]
	return v, nil
}

func (r *reader) done() error {
	if len(r.b) != 0 {
		return ErrTrailingBytes
	}
	return nil
}

func appendBytes(b, v []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(v)))
	return append(b, v...)
}

func appendTG(b []byte, tg TransactionGroup) []byte {
	b = binary.BigEndian.AppendUint64(b, tg.Group)
	b = binary.BigEndian.AppendUint64(b, tg.Seq)
	return binary.BigEndian.AppendUint64(b, tg.Start)
}

func (r *reader) tg() (TransactionGroup, error) {
	var tg TransactionGroup
	var err error
	if tg.Group, err = r.uint64(); err != nil {
		return tg, err
	}
	if tg.Seq, err = r.uint64(); err != nil {
		return tg, err
	}
	tg.Start, err = r.uint64()
	return tg, err
}

func appendReplicaSet(b []byte, rs ReplicaSet) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(rs.Replicas)))
	for _, id := range rs.Replicas {
		b = binary.BigEndian.AppendUint64(b, uint64(id))
	}
	for i := range rs.Replicas {
		b = binary.BigEndian.AppendUint64(b, uint64(rs.TransitioningAt(i)))
	}
	return binary.BigEndian.AppendUint32(b, rs.DesiredReplication)
}

func (r *reader) replicaSet() (ReplicaSet, error) {
	var rs ReplicaSet
	n, err := r.uint32()
	if err != nil {
		return rs, err
	}
	if uint64(len(r.b)) < uint64(n)*16 {
		return rs, ErrShortBuffer
	}
	if n > 0 {
		rs.Replicas = make([]NodeID, n)
		rs.Transitioning = make([]NodeID, n)
		for i := range rs.Replicas {
			v, _ := r.uint64()
			rs.Replicas[i] = NodeID(v)
		}
		for i := range rs.Transitioning {
			v, _ := r.uint64()
			rs.Transitioning[i] = NodeID(v)
		}
	}
	rs.DesiredReplication, err = r.uint32()
	return rs, err
}

func (r *reader) lockOp() (LockOp, error) {
	v, err := r.byte()
	if err != nil {
		return 0, err
	}
	op := LockOp(v)
	if !op.Valid() {
		return 0, fmt.Errorf("invalid lock operation %d", v)
	}
	return op, nil
}

func (m *LockOpRequest) appendPayload(b []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, m.Nonce)
	b = appendBytes(b, m.Table)
	b = appendBytes(b, m.Key)
	b = appendTG(b, m.TG)
	return append(b, byte(m.Op))
}

func (m *LockOpRequest) decodePayload(b []byte) error {
	r := &reader{b: b}
	var err error
	if m.Nonce, err = r.uint64(); err != nil {
		return err
	}
	if m.Table, err = r.bytes(); err != nil {
		return err
	}
	if m.Key, err = r.bytes(); err != nil {
		return err
	}
	if m.TG, err = r.tg(); err != nil {
		return err
	}
	if m.Op, err = r.lockOp(); err != nil {
		return err
	}
	return r.done()
}

func (m *LockOpResponse) appendPayload(b []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, m.Nonce)
	return binary.BigEndian.AppendUint16(b, uint16(m.Result))
}

func (m *LockOpResponse) decodePayload(b []byte) error {
	r := &reader{b: b}
	var err error
	if m.Nonce, err = r.uint64(); err != nil {
		return err
	}
	rc, err := r.uint16()
	if err != nil {
		return err
	}
	m.Result = ResultCode(rc)
	if m.Result != ResultSuccess && m.Result != ResultLessDurable {
		return fmt.Errorf("invalid result code %d", rc)
	}
	return r.done()
}

func (m *RawLockRequest) appendPayload(b []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, m.StateKey)
	b = appendBytes(b, m.Table)
	b = appendBytes(b, m.Key)
	b = appendTG(b, m.TG)
	return append(b, byte(m.Op))
}

func (m *RawLockRequest) decodePayload(b []byte) error {
	r := &reader{b: b}
	var err error
	if m.StateKey, err = r.uint64(); err != nil {
		return err
	}
	if m.Table, err = r.bytes(); err != nil {
		return err
	}
	if m.Key, err = r.bytes(); err != nil {
		return err
	}
	if m.TG, err = r.tg(); err != nil {
		return err
	}
	if m.Op, err = r.lockOp(); err != nil {
		return err
	}
	return r.done()
}

func (m *RawLockResponse) appendPayload(b []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, m.StateKey)
	b = binary.BigEndian.AppendUint64(b, uint64(m.From))
	b = appendTG(b, m.TG)
	return appendReplicaSet(b, m.RS)
}

func (m *RawLockResponse) decodePayload(b []byte) error {
	r := &reader{b: b}
	var err error
	if m.StateKey, err = r.uint64(); err != nil {
		return err
	}
	from, err := r.uint64()
	if err != nil {
		return err
	}
	m.From = NodeID(from)
	if m.TG, err = r.tg(); err != nil {
		return err
	}
	if m.RS, err = r.replicaSet(); err != nil {
		return err
	}
	return r.done()
}

func (m *Wound) appendPayload(b []byte) []byte {
	return appendTG(b, m.TG)
}

func (m *Wound) decodePayload(b []byte) error {
	r := &reader{b: b}
	var err error
	if m.TG, err = r.tg(); err != nil {
		return err
	}
	return r.done()
}
