package wire

import (
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf8"
)

var (
	ErrInvalidMessage  = errors.New("invalid message")
	ErrMessageTooLarge = errors.New("message too large")
	ErrOutOfBounds     = errors.New("read past end of message")
	ErrInvalidUTF8     = errors.New("string is not valid UTF-8")
)

const (
	// MaxMessageSize bounds a single framed message.
	MaxMessageSize = 1 << 30

	headerSize = 5 // type byte + u32 length
)

// ReadBuffer accumulates bytes from the transport and hands out whole
// messages. A message on the wire is <type:u8><length:u32><payload>, where
// length counts itself but not the type byte.
//
// At most one message is "current" at a time: TakeMessage positions the
// cursor at the start of its payload, the Read* helpers consume it, and
// FinishMessage releases it. PutMessage rewinds a taken message so that it
// is handed out again, which the execute path uses after peeking for a
// trailing Sync.
type ReadBuffer struct {
	buf []byte
	pos int

	msgType  byte
	msgStart int // payload start of the current message
	msgEnd   int // payload end (exclusive)
	inMsg    bool
}

// NewReadBuffer creates a read buffer with the given initial capacity.
func NewReadBuffer(capacity int) *ReadBuffer {
	return &ReadBuffer{buf: make([]byte, 0, capacity)}
}

// Feed appends bytes received from the transport.
func (b *ReadBuffer) Feed(data []byte) {
	if !b.inMsg && b.pos == len(b.buf) && b.pos > 0 {
		b.buf = b.buf[:0]
		b.pos = 0
	}
	b.buf = append(b.buf, data...)
}

// Buffered reports how many unconsumed bytes are available.
func (b *ReadBuffer) Buffered() int {
	return len(b.buf) - b.pos
}

// TakeBytes consumes n raw (unframed) bytes, used only for the protocol
// version preamble before framed messages begin.
func (b *ReadBuffer) TakeBytes(n int) ([]byte, bool) {
	if b.inMsg || b.Buffered() < n {
		return nil, false
	}
	v := b.buf[b.pos : b.pos+n]
	b.pos += n
	return v, true
}

// TakeMessage makes the next buffered message current. It returns false if
// a whole message is not yet buffered; the caller must wait for more data.
func (b *ReadBuffer) TakeMessage() bool {
	mt, end, ok := b.peek()
	if !ok {
		return false
	}
	b.msgType = mt
	b.msgStart = b.pos + headerSize
	b.msgEnd = end
	b.pos = b.msgStart
	b.inMsg = true
	return true
}

// TakeMessageType is TakeMessage restricted to a single type: it takes the
// next message only when it is whole and has type t.
func (b *ReadBuffer) TakeMessageType(t byte) bool {
	mt, _, ok := b.peek()
	if !ok || mt != t {
		return false
	}
	return b.TakeMessage()
}

// peek inspects the next queued message without consuming anything.
func (b *ReadBuffer) peek() (msgType byte, end int, ok bool) {
	if b.inMsg || b.Buffered() < headerSize {
		return 0, 0, false
	}
	length := int(binary.BigEndian.Uint32(b.buf[b.pos+1 : b.pos+headerSize]))
	if length < 4 || length > MaxMessageSize {
		// Framing is corrupt; surface it as an incomplete message and let
		// the read path fail on the transport instead of looping.
		return 0, 0, false
	}
	end = b.pos + 1 + length
	if end > len(b.buf) {
		return 0, 0, false
	}
	return b.buf[b.pos], end, true
}

// MessageType returns the type byte of the current message.
func (b *ReadBuffer) MessageType() byte {
	return b.msgType
}

// FinishMessage releases the current message, discarding any unread
// remainder. It is a no-op when no message is current.
func (b *ReadBuffer) FinishMessage() {
	if !b.inMsg {
		return
	}
	b.pos = b.msgEnd
	b.inMsg = false
}

// DiscardMessage drops the current message without reading it.
func (b *ReadBuffer) DiscardMessage() {
	b.FinishMessage()
}

// PutMessage rewinds the current message so the next TakeMessage returns it
// again, payload unread.
func (b *ReadBuffer) PutMessage() {
	if !b.inMsg {
		return
	}
	b.pos = b.msgStart - headerSize
	b.inMsg = false
}

func (b *ReadBuffer) ensure(n int) error {
	if !b.inMsg || b.pos+n > b.msgEnd {
		return ErrOutOfBounds
	}
	return nil
}

// ReadByte reads one byte of the current message.
func (b *ReadBuffer) ReadByte() (byte, error) {
	if err := b.ensure(1); err != nil {
		return 0, err
	}
	v := b.buf[b.pos]
	b.pos++
	return v, nil
}

// ReadInt16 reads a big-endian 16-bit integer.
func (b *ReadBuffer) ReadInt16() (int16, error) {
	if err := b.ensure(2); err != nil {
		return 0, err
	}
	v := int16(binary.BigEndian.Uint16(b.buf[b.pos:]))
	b.pos += 2
	return v, nil
}

// ReadInt32 reads a big-endian 32-bit integer.
func (b *ReadBuffer) ReadInt32() (int32, error) {
	if err := b.ensure(4); err != nil {
		return 0, err
	}
	v := int32(binary.BigEndian.Uint32(b.buf[b.pos:]))
	b.pos += 4
	return v, nil
}

// ReadUint32 reads a big-endian unsigned 32-bit integer.
func (b *ReadBuffer) ReadUint32() (uint32, error) {
	if err := b.ensure(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(b.buf[b.pos:])
	b.pos += 4
	return v, nil
}

// ReadInt64 reads a big-endian 64-bit integer.
func (b *ReadBuffer) ReadInt64() (int64, error) {
	if err := b.ensure(8); err != nil {
		return 0, err
	}
	v := int64(binary.BigEndian.Uint64(b.buf[b.pos:]))
	b.pos += 8
	return v, nil
}

// ReadBytes reads n bytes of the current message. The returned slice is a
// copy and remains valid after the buffer is reused.
func (b *ReadBuffer) ReadBytes(n int) ([]byte, error) {
	if err := b.ensure(n); err != nil {
		return nil, err
	}
	v := make([]byte, n)
	copy(v, b.buf[b.pos:b.pos+n])
	b.pos += n
	return v, nil
}

// ReadUTF8 reads a u32-length-prefixed UTF-8 string.
func (b *ReadBuffer) ReadUTF8() (string, error) {
	n, err := b.ReadUint32()
	if err != nil {
		return "", err
	}
	if err := b.ensure(int(n)); err != nil {
		return "", err
	}
	v := b.buf[b.pos : b.pos+int(n)]
	b.pos += int(n)
	if !utf8.Valid(v) {
		return "", ErrInvalidUTF8
	}
	return string(v), nil
}

// ReadNullString reads a null-terminated byte string.
func (b *ReadBuffer) ReadNullString() ([]byte, error) {
	if !b.inMsg {
		return nil, ErrOutOfBounds
	}
	for i := b.pos; i < b.msgEnd; i++ {
		if b.buf[i] == 0 {
			v := make([]byte, i-b.pos)
			copy(v, b.buf[b.pos:i])
			b.pos = i + 1
			return v, nil
		}
	}
	return nil, io.ErrUnexpectedEOF
}

// ConsumeMessage returns the unread remainder of the current message as a
// copy. The message stays current until FinishMessage.
func (b *ReadBuffer) ConsumeMessage() []byte {
	if !b.inMsg {
		return nil
	}
	v := make([]byte, b.msgEnd-b.pos)
	copy(v, b.buf[b.pos:b.msgEnd])
	b.pos = b.msgEnd
	return v
}

// WriteBuffer coalesces outbound messages. Messages are begun with
// NewMessage and sealed with EndMessage, which patches the length field;
// the buffer never exposes a partially built message for flushing.
type WriteBuffer struct {
	buf     []byte
	lenPos  int // offset of the open message's length field, -1 if none
	sealLen int // length of buf at the last EndMessage
}

// NewWriteBuffer creates a write buffer with the given initial capacity.
func NewWriteBuffer(capacity int) *WriteBuffer {
	return &WriteBuffer{buf: make([]byte, 0, capacity), lenPos: -1}
}

// NewMessage begins a message of the given type.
func (b *WriteBuffer) NewMessage(msgType byte) *WriteBuffer {
	if b.lenPos != -1 {
		panic("wire: NewMessage while a message is open")
	}
	b.buf = append(b.buf, msgType, 0, 0, 0, 0)
	b.lenPos = len(b.buf) - 4
	return b
}

// EndMessage seals the open message by patching its length field.
func (b *WriteBuffer) EndMessage() *WriteBuffer {
	if b.lenPos == -1 {
		panic("wire: EndMessage without NewMessage")
	}
	binary.BigEndian.PutUint32(b.buf[b.lenPos:], uint32(len(b.buf)-b.lenPos))
	b.lenPos = -1
	b.sealLen = len(b.buf)
	return b
}

// WriteByte appends a single byte.
func (b *WriteBuffer) WriteByte(v byte) *WriteBuffer {
	b.buf = append(b.buf, v)
	return b
}

// WriteInt16 appends a big-endian 16-bit integer.
func (b *WriteBuffer) WriteInt16(v int16) *WriteBuffer {
	b.buf = append(b.buf, byte(v>>8), byte(v))
	return b
}

// WriteInt32 appends a big-endian 32-bit integer.
func (b *WriteBuffer) WriteInt32(v int32) *WriteBuffer {
	b.buf = append(b.buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	return b
}

// WriteUint32 appends a big-endian unsigned 32-bit integer.
func (b *WriteBuffer) WriteUint32(v uint32) *WriteBuffer {
	b.buf = append(b.buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	return b
}

// WriteInt64 appends a big-endian 64-bit integer.
func (b *WriteBuffer) WriteInt64(v int64) *WriteBuffer {
	b.buf = append(b.buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	return b
}

// WriteBytes appends raw bytes.
func (b *WriteBuffer) WriteBytes(v []byte) *WriteBuffer {
	b.buf = append(b.buf, v...)
	return b
}

// WriteUTF8 appends a u32-length-prefixed UTF-8 string.
func (b *WriteBuffer) WriteUTF8(s string) *WriteBuffer {
	b.WriteUint32(uint32(len(s)))
	b.buf = append(b.buf, s...)
	return b
}

// WriteCString appends a null-terminated string.
func (b *WriteBuffer) WriteCString(s []byte) *WriteBuffer {
	b.buf = append(b.buf, s...)
	b.buf = append(b.buf, 0)
	return b
}

// Append copies another buffer's sealed messages into this one, used to
// compose independently built reply groups into one datagram.
func (b *WriteBuffer) Append(other *WriteBuffer) *WriteBuffer {
	if b.lenPos != -1 {
		panic("wire: Append with a message open")
	}
	b.buf = append(b.buf, other.SealedBytes()...)
	b.sealLen = len(b.buf)
	return b
}

// Len returns the number of buffered bytes.
func (b *WriteBuffer) Len() int {
	return len(b.buf)
}

// SealedBytes returns the fully sealed prefix of the buffer, never
// including a message still under construction.
func (b *WriteBuffer) SealedBytes() []byte {
	if b.lenPos != -1 {
		return b.buf[:b.sealLen]
	}
	return b.buf
}

// Reset drops all sealed bytes. It must not be called with a message open.
func (b *WriteBuffer) Reset() {
	if b.lenPos != -1 {
		panic("wire: Reset with a message open")
	}
	b.buf = b.buf[:0]
	b.sealLen = 0
}
