package compiler

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/quilldata/quill/internal/wire"
)

var (
	ErrClientClosed = errors.New("compiler client closed")
	errBadResponse  = errors.New("malformed compiler response")
)

// Error is a failure reported by the compiler itself, carrying the
// protocol error code to transmit to the client.
type Error struct {
	Code    uint32
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Request and response type bytes of the compiler RPC protocol. Frames use
// the same <type:u8><length:u32><payload> layout as the client protocol.
const (
	reqHello          byte = 'H'
	reqCompile        byte = 'C'
	reqCompileInTx    byte = 'T'
	reqRollback       byte = 'R'
	reqGraphQL        byte = 'G'
	reqInterpretError byte = 'I'
	reqDecodeSetting  byte = 'V'

	respOK    byte = 'O'
	respError byte = 'E'
)

// Unit flag bits on the RPC wire.
const (
	unitHasResult       = 1 << 0
	unitSingletonResult = 1 << 1
	unitCacheable       = 1 << 2
	unitStartsTx        = 1 << 3
	unitCommitsTx       = 1 << 4
	unitTxRollback      = 1 << 5
	unitTxSPRollback    = 1 << 6
)

// client is the production Client over a compiler process socket. One
// request is in flight at a time; the connection is exclusively owned by a
// single frontend connection.
type client struct {
	mu     sync.Mutex
	conn   net.Conn
	rd     *bufio.Reader
	wbuf   *wire.WriteBuffer
	closed bool
}

// Dial connects to the compiler at addr (a unix socket path, or host:port)
// and performs the version handshake.
func Dial(ctx context.Context, addr string) (Client, error) {
	network := "tcp"
	if strings.ContainsRune(addr, '/') {
		network = "unix"
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial compiler: %w", err)
	}

	c := &client{
		conn: conn,
		rd:   bufio.NewReader(conn),
		wbuf: wire.NewWriteBuffer(512),
	}

	c.wbuf.NewMessage(reqHello).
		WriteInt16(int16(wire.ProtoVersionMajor)).
		WriteInt16(int16(wire.ProtoVersionMinor)).
		EndMessage()
	if _, err := c.roundTrip(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("compiler handshake: %w", err)
	}
	return c, nil
}

func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// roundTrip sends the buffered request and reads one response frame. The
// caller must hold mu or be the only user of the connection.
func (c *client) roundTrip(ctx context.Context) (*payloadReader, error) {
	if c.closed {
		return nil, ErrClientClosed
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if _, err := c.conn.Write(c.wbuf.SealedBytes()); err != nil {
		c.wbuf.Reset()
		return nil, fmt.Errorf("write compiler request: %w", err)
	}
	c.wbuf.Reset()

	var header [5]byte
	if _, err := io.ReadFull(c.rd, header[:]); err != nil {
		return nil, fmt.Errorf("read compiler response: %w", err)
	}
	length := int(binary.BigEndian.Uint32(header[1:])) - 4
	if length < 0 || length > wire.MaxMessageSize {
		return nil, errBadResponse
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.rd, payload); err != nil {
		return nil, fmt.Errorf("read compiler response: %w", err)
	}

	r := &payloadReader{buf: payload}
	switch header[0] {
	case respOK:
		return r, nil
	case respError:
		code, err := r.uint32()
		if err != nil {
			return nil, errBadResponse
		}
		msg, err := r.utf8()
		if err != nil {
			return nil, errBadResponse
		}
		return nil, &Error{Code: code, Message: msg}
	default:
		return nil, fmt.Errorf("%w: unexpected type %c", errBadResponse, header[0])
	}
}

func (c *client) Compile(
	ctx context.Context,
	dbVer int64,
	query []byte,
	modAliases, config map[string]string,
	jsonMode bool,
	mode StatementMode,
) ([]*QueryUnit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.wbuf.NewMessage(reqCompile).
		WriteInt64(dbVer)
	writeBytes(c.wbuf, query)
	writeStringMap(c.wbuf, modAliases)
	writeStringMap(c.wbuf, config)
	c.wbuf.WriteByte(boolByte(jsonMode)).
		WriteUTF8(string(mode)).
		EndMessage()

	r, err := c.roundTrip(ctx)
	if err != nil {
		return nil, err
	}
	return readUnits(r)
}

func (c *client) CompileInTx(
	ctx context.Context,
	txID uint64,
	query []byte,
	jsonMode bool,
	mode StatementMode,
) ([]*QueryUnit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.wbuf.NewMessage(reqCompileInTx).
		WriteInt64(int64(txID))
	writeBytes(c.wbuf, query)
	c.wbuf.WriteByte(boolByte(jsonMode)).
		WriteUTF8(string(mode)).
		EndMessage()

	r, err := c.roundTrip(ctx)
	if err != nil {
		return nil, err
	}
	return readUnits(r)
}

func (c *client) TryCompileRollback(ctx context.Context, dbVer int64, query []byte) (*QueryUnit, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.wbuf.NewMessage(reqRollback).
		WriteInt64(dbVer)
	writeBytes(c.wbuf, query)
	c.wbuf.EndMessage()

	r, err := c.roundTrip(ctx)
	if err != nil {
		return nil, 0, err
	}
	numRemain, err := r.int32()
	if err != nil {
		return nil, 0, errBadResponse
	}
	unit, err := readUnit(r)
	if err != nil {
		return nil, 0, err
	}
	return unit, int(numRemain), nil
}

func (c *client) CompileGraphQL(
	ctx context.Context,
	dbVer int64,
	query []byte,
	modAliases, config map[string]string,
) (*QueryUnit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.wbuf.NewMessage(reqGraphQL).
		WriteInt64(dbVer)
	writeBytes(c.wbuf, query)
	writeStringMap(c.wbuf, modAliases)
	writeStringMap(c.wbuf, config)
	c.wbuf.EndMessage()

	r, err := c.roundTrip(ctx)
	if err != nil {
		return nil, err
	}
	return readUnit(r)
}

func (c *client) InterpretBackendError(ctx context.Context, dbVer int64, fields map[byte]string) (*InterpretedError, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.wbuf.NewMessage(reqInterpretError).
		WriteInt64(dbVer).
		WriteUint32(uint32(len(fields)))
	for k, v := range fields {
		c.wbuf.WriteByte(k).WriteUTF8(v)
	}
	c.wbuf.EndMessage()

	r, err := c.roundTrip(ctx)
	if err != nil {
		return nil, err
	}

	code, err := r.uint32()
	if err != nil {
		return nil, errBadResponse
	}
	msg, err := r.utf8()
	if err != nil {
		return nil, errBadResponse
	}
	nattrs, err := r.uint32()
	if err != nil {
		return nil, errBadResponse
	}
	attrs := make(map[byte]string, nattrs)
	for i := uint32(0); i < nattrs; i++ {
		k, err := r.byte()
		if err != nil {
			return nil, errBadResponse
		}
		v, err := r.utf8()
		if err != nil {
			return nil, errBadResponse
		}
		attrs[k] = v
	}
	return &InterpretedError{Code: code, Message: msg, Attrs: attrs}, nil
}

func (c *client) DecodeSettingValue(ctx context.Context, name, value string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.wbuf.NewMessage(reqDecodeSetting).
		WriteUTF8(name).
		WriteUTF8(value).
		EndMessage()

	r, err := c.roundTrip(ctx)
	if err != nil {
		return "", err
	}
	return r.utf8()
}

// --- request encoding helpers ---

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func writeBytes(b *wire.WriteBuffer, v []byte) {
	b.WriteUint32(uint32(len(v)))
	b.WriteBytes(v)
}

func writeStringMap(b *wire.WriteBuffer, m map[string]string) {
	b.WriteUint32(uint32(len(m)))
	for k, v := range m {
		b.WriteUTF8(k)
		b.WriteUTF8(v)
	}
}

// --- response decoding ---

type payloadReader struct {
	buf []byte
	pos int
}

func (r *payloadReader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return errBadResponse
	}
	return nil
}

func (r *payloadReader) byte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *payloadReader) uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *payloadReader) int32() (int32, error) {
	v, err := r.uint32()
	return int32(v), err
}

func (r *payloadReader) bytes() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	v := make([]byte, n)
	copy(v, r.buf[r.pos:])
	r.pos += int(n)
	return v, nil
}

func (r *payloadReader) utf8() (string, error) {
	v, err := r.bytes()
	return string(v), err
}

func (r *payloadReader) stringMap() (map[string]string, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	m := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		k, err := r.utf8()
		if err != nil {
			return nil, err
		}
		v, err := r.utf8()
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

func readUnits(r *payloadReader) ([]*QueryUnit, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	units := make([]*QueryUnit, 0, n)
	for i := uint32(0); i < n; i++ {
		u, err := readUnit(r)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, nil
}

func readUnit(r *payloadReader) (*QueryUnit, error) {
	u := &QueryUnit{}

	nsql, err := r.uint32()
	if err != nil {
		return nil, err
	}
	u.SQL = make([][]byte, 0, nsql)
	for i := uint32(0); i < nsql; i++ {
		stmt, err := r.bytes()
		if err != nil {
			return nil, err
		}
		u.SQL = append(u.SQL, stmt)
	}

	hash, err := r.bytes()
	if err != nil {
		return nil, err
	}
	if len(hash) > 0 {
		u.SQLHash = hash
	}

	inID, err := r.bytes()
	if err != nil {
		return nil, err
	}
	outID, err := r.bytes()
	if err != nil {
		return nil, err
	}
	if u.InTypeID, err = uuid.FromBytes(inID); err != nil {
		return nil, fmt.Errorf("%w: in type id: %w", errBadResponse, err)
	}
	if u.OutTypeID, err = uuid.FromBytes(outID); err != nil {
		return nil, fmt.Errorf("%w: out type id: %w", errBadResponse, err)
	}
	if u.InTypeData, err = r.bytes(); err != nil {
		return nil, err
	}
	if u.OutTypeData, err = r.bytes(); err != nil {
		return nil, err
	}

	flags, err := r.byte()
	if err != nil {
		return nil, err
	}
	u.HasResult = flags&unitHasResult != 0
	u.SingletonResult = flags&unitSingletonResult != 0
	u.Cacheable = flags&unitCacheable != 0
	u.StartsTx = flags&unitStartsTx != 0
	u.CommitsTx = flags&unitCommitsTx != 0
	u.TxRollback = flags&unitTxRollback != 0
	u.TxSavepointRollback = flags&unitTxSPRollback != 0

	if u.SetAliases, err = r.stringMap(); err != nil {
		return nil, err
	}
	if u.SetConfig, err = r.stringMap(); err != nil {
		return nil, err
	}
	return u, nil
}
