// Package frontend implements the per-connection protocol state machine:
// framed message dispatch, the query lifecycle, transaction coordination
// with the SQL backend, and error recovery.
package frontend

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/quilldata/quill/internal/backend"
	"github.com/quilldata/quill/internal/compiler"
	"github.com/quilldata/quill/internal/dbview"
	"github.com/quilldata/quill/internal/wire"
)

// Status is the connection lifecycle state.
type Status int

const (
	StatusNew Status = iota
	StatusStarted
	StatusAuthenticated
	StatusBad
)

// flushThreshold is the write-buffer size beyond which output is flushed
// immediately rather than coalesced further.
const flushThreshold = 100_000

// SQLConn is the surface of the backend SQL connection the frontend
// drives. *backend.Conn implements it; tests substitute fakes.
type SQLConn interface {
	ParseExecute(ctx context.Context, parse, execute bool, unit *compiler.QueryUnit,
		bindData []byte, sendSync, usePrepStmt bool, sink backend.DataSink) error
	SimpleQuery(ctx context.Context, sql []byte, ignoreData bool) ([][][]byte, error)
	Sync(ctx context.Context) (byte, error)
	TxStatus() byte
	InTx() bool
	Addr() string
	Close() error
}

// Backend bundles the two external collaborators behind one connection.
type Backend struct {
	Compiler compiler.Client
	PG       SQLConn
}

// Close releases both halves of the bundle.
func (b *Backend) Close() {
	_ = b.PG.Close()
	_ = b.Compiler.Close()
}

// BackendFactory opens the backend bundle for an authenticated database,
// returning it together with the database's schema version.
type BackendFactory func(ctx context.Context, database, user string) (*Backend, int64, error)

// Config carries the per-connection construction parameters. Debug-type
// process flags are captured here once; handlers never consult global
// state.
type Config struct {
	ID                uint32
	QueryCacheEnabled bool
	CacheSize         int
	DevMode           bool

	// AuthTable maps users to passwords. Empty means trust mode.
	AuthTable map[string]string

	NewBackend BackendFactory
	Logger     *log.Logger
}

// Conn is one client connection.
type Conn struct {
	id     uint32
	status Status
	conn   net.Conn
	rbuf   *wire.ReadBuffer
	wbuf   *wire.WriteBuffer

	view    *dbview.View
	backend *Backend

	lastAnonCompiled *compiler.QueryUnit

	queryCacheEnabled bool
	cacheSize         int
	devMode           bool
	authTable         map[string]string
	newBackend        BackendFactory

	log     *log.Logger
	scratch []byte
}

// New wraps an accepted client socket.
func New(nc net.Conn, cfg Config) *Conn {
	lg := cfg.Logger
	if lg == nil {
		lg = log.Default()
	}
	return &Conn{
		id:                cfg.ID,
		status:            StatusNew,
		conn:              nc,
		rbuf:              wire.NewReadBuffer(8192),
		wbuf:              wire.NewWriteBuffer(8192),
		queryCacheEnabled: cfg.QueryCacheEnabled,
		cacheSize:         cfg.CacheSize,
		devMode:           cfg.DevMode,
		authTable:         cfg.AuthTable,
		newBackend:        cfg.NewBackend,
		log:               lg.With("conn", cfg.ID),
		scratch:           make([]byte, 32*1024),
	}
}

// ID returns the server-assigned connection identifier.
func (c *Conn) ID() uint32 {
	return c.id
}

// Status returns the connection lifecycle state.
func (c *Conn) Status() Status {
	return c.status
}

// View exposes the connection's database view.
func (c *Conn) View() *dbview.View {
	return c.view
}

// Serve runs the connection to completion: handshake, auth, then the
// message loop. It always leaves the connection aborted.
func (c *Conn) Serve(ctx context.Context) error {
	defer c.Abort()

	// Cancellation means the server is shutting down: expire the read
	// deadline so a blocked read returns, and let the loop exit without
	// recovery; the deferred Abort then closes the transport.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := c.handshake(ctx); err != nil {
		if !isFatal(err) {
			c.writeError(ctx, err)
			_ = c.flush()
		}
		return err
	}
	c.status = StatusAuthenticated
	c.log.Debug("authenticated", "database", c.view.DBName(), "user", c.view.User())

	return c.loop(ctx)
}

// handshake reads the protocol version preamble and the ClientHandshake
// message, authenticates, opens the backend, and emits the post-auth
// message group followed by the session bootstrap script.
func (c *Conn) handshake(ctx context.Context) error {
	var preamble []byte
	for {
		var ok bool
		if preamble, ok = c.rbuf.TakeBytes(4); ok {
			break
		}
		if err := c.readMore(ctx); err != nil {
			return err
		}
	}
	c.status = StatusStarted

	hi := int16(binary.BigEndian.Uint16(preamble[0:2]))
	lo := int16(binary.BigEndian.Uint16(preamble[2:4]))
	if hi != wire.ProtoVersionMajor || lo != wire.ProtoVersionMinor {
		return &ProtocolError{
			Code: wire.CodeUnsupportedProtocolVersion,
			Msg:  fmt.Sprintf("unsupported protocol version %d.%d", hi, lo),
		}
	}

	if err := c.waitForMessage(ctx); err != nil {
		return err
	}
	if c.rbuf.MessageType() != wire.MsgClientHandshake {
		return &ProtocolError{
			Code: wire.CodeUnexpectedMessage,
			Msg:  fmt.Sprintf("expected handshake, got %q", c.rbuf.MessageType()),
		}
	}

	user, err := c.rbuf.ReadUTF8()
	if err != nil {
		return binaryProtocolError("malformed handshake: %v", err)
	}
	password, err := c.rbuf.ReadUTF8()
	if err != nil {
		return binaryProtocolError("malformed handshake: %v", err)
	}
	database, err := c.rbuf.ReadUTF8()
	if err != nil {
		return binaryProtocolError("malformed handshake: %v", err)
	}
	c.rbuf.FinishMessage()

	if len(c.authTable) > 0 {
		want, ok := c.authTable[user]
		if !ok || want != password {
			return &ProtocolError{
				Code: wire.CodeAuthenticationError,
				Msg:  fmt.Sprintf("authentication failed for user %q", user),
			}
		}
	}

	be, dbVer, err := c.newBackend(ctx, database, user)
	if err != nil {
		return fmt.Errorf("open backend for %q: %w", database, err)
	}
	c.backend = be
	c.view = dbview.New(database, user, dbVer, c.cacheSize)

	c.wbuf.NewMessage(wire.MsgAuthentication).WriteInt32(0).EndMessage()
	c.wbuf.NewMessage(wire.MsgServerKeyData).WriteInt32(int32(c.id)).EndMessage()
	if c.devMode {
		c.wbuf.NewMessage(wire.MsgParameterStatus).
			WriteUTF8("pgaddr").
			WriteUTF8(c.backend.PG.Addr()).
			EndMessage()
	}
	if err := c.writeReadyForQuery(wire.TxStatusIdle); err != nil {
		return err
	}
	if err := c.flush(); err != nil {
		return err
	}

	return c.initcon(ctx)
}

// initcon creates the session state tables the recovery machinery reads.
// They must exist before any user message is dispatched.
func (c *Conn) initcon(ctx context.Context) error {
	script := fmt.Sprintf(`
		CREATE TEMPORARY TABLE _edgecon_state (
			name text NOT NULL,
			value text NOT NULL,
			type text NOT NULL CHECK(type = any(ARRAY['C', 'A'])),
			UNIQUE(name, type)
		);

		CREATE TEMPORARY TABLE _edgecon_current_savepoint (
			sp_id bigint NOT NULL,
			_sentinel bigint DEFAULT -1,
			UNIQUE(_sentinel)
		);

		INSERT INTO _edgecon_state(name, value, type)
		VALUES ('', %s, 'A');
	`, quoteLiteral(c.view.DefaultModuleAlias()))

	if _, err := c.backend.PG.SimpleQuery(ctx, []byte(script), true); err != nil {
		return fmt.Errorf("session bootstrap: %w", err)
	}
	return nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// loop reads one message at a time and dispatches on its type byte. A
// handler must fully complete, including its error path, before the next
// message is read.
func (c *Conn) loop(ctx context.Context) error {
	for {
		if err := c.waitForMessage(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		mtype := c.rbuf.MessageType()
		if mtype == wire.MsgTerminate {
			c.rbuf.FinishMessage()
			return nil
		}

		flushSyncOnError := false
		var err error

		switch mtype {
		case wire.MsgParse:
			err = c.handleParse(ctx)
		case wire.MsgDescribe:
			err = c.handleDescribe(ctx)
		case wire.MsgExecute:
			err = c.handleExecute(ctx)
		case wire.MsgOptimisticExec:
			err = c.handleOptimisticExecute(ctx)
		case wire.MsgSimpleQuery:
			flushSyncOnError = true
			err = c.handleSimpleQuery(ctx)
		case wire.MsgSync:
			err = c.handleSync(ctx)
		case wire.MsgLegacy:
			flushSyncOnError = true
			err = c.handleLegacy(ctx)
		case wire.MsgFlush:
			err = c.flush()
		default:
			err = binaryProtocolError("unexpected message type %q", mtype)
		}

		c.rbuf.FinishMessage()

		if err == nil {
			continue
		}
		if isFatal(err) {
			return err
		}

		c.log.Debug("request failed", "type", string(mtype), "err", err)
		c.view.TxError()
		c.writeError(ctx, err)

		if flushSyncOnError {
			if serr := c.writeReadyForQuery(c.backend.PG.TxStatus()); serr != nil {
				return serr
			}
			if ferr := c.flush(); ferr != nil {
				return ferr
			}
		} else {
			if rerr := c.recoverFromError(ctx); rerr != nil {
				return rerr
			}
		}
	}
}

// waitForMessage blocks until a whole message is buffered.
func (c *Conn) waitForMessage(ctx context.Context) error {
	for !c.rbuf.TakeMessage() {
		if err := c.readMore(ctx); err != nil {
			return err
		}
	}
	return nil
}

// readMore pulls more bytes off the socket into the read buffer.
func (c *Conn) readMore(ctx context.Context) error {
	n, err := c.conn.Read(c.scratch)
	if n > 0 {
		c.rbuf.Feed(c.scratch[:n])
		return nil
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	return &transportError{err: err}
}

// flush writes all sealed output to the client.
func (c *Conn) flush() error {
	data := c.wbuf.SealedBytes()
	if len(data) == 0 {
		return nil
	}
	if _, err := c.conn.Write(data); err != nil {
		return &transportError{err: err}
	}
	c.wbuf.Reset()
	return nil
}

// maybeFlush flushes once the coalescing buffer is past the threshold.
func (c *Conn) maybeFlush() error {
	if c.wbuf.Len() > flushThreshold {
		return c.flush()
	}
	return nil
}

// SendData implements backend.DataSink: result rows stream from the SQL
// connection into protocol Data messages.
func (c *Conn) SendData(values [][]byte) error {
	c.wbuf.NewMessage(wire.MsgData)
	c.wbuf.WriteInt16(int16(len(values)))
	for _, v := range values {
		if v == nil {
			c.wbuf.WriteInt32(-1)
			continue
		}
		c.wbuf.WriteUint32(uint32(len(v)))
		c.wbuf.WriteBytes(v)
	}
	c.wbuf.EndMessage()
	return c.maybeFlush()
}

// writeReadyForQuery emits the sync-status message for a backend
// transaction status byte.
func (c *Conn) writeReadyForQuery(txStatus byte) error {
	switch txStatus {
	case wire.TxStatusIdle, wire.TxStatusInTx, wire.TxStatusFailed:
	default:
		return internalError("unknown backend transaction status %q", txStatus)
	}
	c.wbuf.NewMessage(wire.MsgReadyForQuery).WriteByte(txStatus).EndMessage()
	return nil
}

func (c *Conn) writeCommandComplete() {
	c.wbuf.NewMessage(wire.MsgCommandComplete).EndMessage()
}

// handleSync resynchronizes with the backend and reports its transaction
// status. A Sync always produces a ReadyForQuery and a flush.
func (c *Conn) handleSync(ctx context.Context) error {
	c.rbuf.FinishMessage()
	status, err := c.backend.PG.Sync(ctx)
	if err != nil {
		return err
	}
	if err := c.writeReadyForQuery(status); err != nil {
		return err
	}
	return c.flush()
}

// Abort tears the connection down: transport closed, backend released,
// nothing further is read or written.
func (c *Conn) Abort() {
	if c.status == StatusBad {
		return
	}
	c.status = StatusBad
	if c.conn != nil {
		_ = c.conn.Close()
	}
	if c.backend != nil {
		c.backend.Close()
		c.backend = nil
	}
	c.log.Debug("connection closed")
}
