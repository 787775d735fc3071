// Package backend maintains the dedicated SQL connection behind one
// frontend connection. It speaks the PostgreSQL wire protocol through
// pgproto3 and forwards result rows into the frontend's write buffer.
package backend

import (
	"context"
	"crypto/md5" //nolint:gosec // dictated by the SQL wire protocol
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/quilldata/quill/internal/compiler"
)

var (
	ErrConnClosed      = errors.New("backend connection closed")
	ErrUnsupportedAuth = errors.New("unsupported backend authentication method")
)

// Transaction status bytes, as reported by ReadyForQuery.
const (
	TxStatusIdle    byte = 'I'
	TxStatusInTrans byte = 'T'
	TxStatusInError byte = 'E'
)

// DataSink receives result rows as they stream off the SQL connection.
// The frontend implements it by re-framing rows as protocol data messages
// on its own write buffer.
type DataSink interface {
	SendData(values [][]byte) error
}

// Conn is an exclusively-owned SQL backend connection.
type Conn struct {
	conn     net.Conn
	fe       *pgproto3.Frontend
	addr     string
	txStatus byte
	closed   bool

	// Named prepared statements known to exist on this connection.
	prepared map[string]struct{}
}

// Connect dials the SQL backend described by dsn and authenticates. Only
// cleartext and md5 password methods are supported; the backend is assumed
// to be a co-located trusted process.
func Connect(ctx context.Context, dsn, database string) (*Conn, error) {
	cfg, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse backend dsn: %w", err)
	}
	if database != "" {
		cfg.Database = database
	}

	addr := resolveAddr(cfg)
	network := "tcp"
	if len(cfg.Host) > 0 && cfg.Host[0] == '/' {
		network = "unix"
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial backend: %w", err)
	}

	c := &Conn{
		conn:     nc,
		fe:       pgproto3.NewFrontend(nc, nc),
		addr:     addr,
		txStatus: TxStatusIdle,
		prepared: make(map[string]struct{}),
	}

	if err := c.startup(ctx, cfg); err != nil {
		_ = nc.Close()
		return nil, err
	}
	return c, nil
}

func resolveAddr(cfg *pgconn.Config) string {
	if len(cfg.Host) > 0 && cfg.Host[0] == '/' {
		return fmt.Sprintf("%s/.s.PGSQL.%d", cfg.Host, cfg.Port)
	}
	return net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port)))
}

// Addr returns the resolved backend address, surfaced to clients in
// developer mode.
func (c *Conn) Addr() string {
	return c.addr
}

// TxStatus returns the last transaction status reported by the backend.
func (c *Conn) TxStatus() byte {
	return c.txStatus
}

// InTx reports whether the backend considers itself inside a transaction
// (open or failed).
func (c *Conn) InTx() bool {
	return c.txStatus == TxStatusInTrans || c.txStatus == TxStatusInError
}

// Close terminates the SQL session.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.fe.Send(&pgproto3.Terminate{})
	_ = c.fe.Flush()
	return c.conn.Close()
}

func (c *Conn) setDeadline(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	return c.conn.SetDeadline(deadline)
}

// startup performs the SQL startup/auth exchange and drains parameter
// statuses up to the first ReadyForQuery.
func (c *Conn) startup(ctx context.Context, cfg *pgconn.Config) error {
	if err := c.setDeadline(ctx); err != nil {
		return err
	}

	params := map[string]string{
		"user":             cfg.User,
		"database":         cfg.Database,
		"application_name": "quilld",
	}
	c.fe.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      params,
	})
	if err := c.fe.Flush(); err != nil {
		return fmt.Errorf("send startup: %w", err)
	}

	for {
		msg, err := c.fe.Receive()
		if err != nil {
			return fmt.Errorf("backend startup: %w", err)
		}

		switch m := msg.(type) {
		case *pgproto3.AuthenticationOk:
			// Parameter statuses and key data follow.

		case *pgproto3.AuthenticationCleartextPassword:
			c.fe.Send(&pgproto3.PasswordMessage{Password: cfg.Password})
			if err := c.fe.Flush(); err != nil {
				return err
			}

		case *pgproto3.AuthenticationMD5Password:
			c.fe.Send(&pgproto3.PasswordMessage{
				Password: md5Password(cfg.User, cfg.Password, m.Salt),
			})
			if err := c.fe.Flush(); err != nil {
				return err
			}

		case *pgproto3.ParameterStatus, *pgproto3.BackendKeyData, *pgproto3.NoticeResponse:

		case *pgproto3.ReadyForQuery:
			c.txStatus = m.TxStatus
			return nil

		case *pgproto3.ErrorResponse:
			return newPGError(m)

		default:
			return fmt.Errorf("%w: %T", ErrUnsupportedAuth, m)
		}
	}
}

// md5Password computes concat('md5', md5(concat(md5(concat(password,
// username)), salt))) as the SQL wire protocol requires.
func md5Password(user, password string, salt [4]byte) string {
	inner := md5.Sum([]byte(password + user)) //nolint:gosec // wire protocol
	outer := md5.Sum(append([]byte(hex.EncodeToString(inner[:])), salt[:]...)) //nolint:gosec // wire protocol
	return "md5" + hex.EncodeToString(outer[:])
}

// ParseExecute prepares and/or executes a compiled unit. bindData is the
// recoded bind block produced by the frontend. When sendSync is set the
// backend's Sync rides in the same round trip; otherwise the exchange ends
// on a Flush. Result rows stream into sink as they arrive.
func (c *Conn) ParseExecute(
	ctx context.Context,
	parse, execute bool,
	unit *compiler.QueryUnit,
	bindData []byte,
	sendSync bool,
	usePrepStmt bool,
	sink DataSink,
) error {
	if c.closed {
		return ErrConnClosed
	}
	if err := c.setDeadline(ctx); err != nil {
		return err
	}

	var bind *pgproto3.Bind
	if execute {
		var err error
		bind, err = decodeBindBlock(bindData)
		if err != nil {
			return err
		}
	}

	expectParse := 0
	expectCmd := 0
	var parsedNames []string

	for i, sql := range unit.SQL {
		name := ""
		if usePrepStmt {
			name = prepStmtName(unit.SQLHash, i)
		}

		if parse && !c.isPrepared(name) {
			c.fe.Send(&pgproto3.Parse{Name: name, Query: string(sql)})
			expectParse++
			if name != "" {
				parsedNames = append(parsedNames, name)
			}
		}

		if execute {
			b := *bind
			b.PreparedStatement = name
			c.fe.Send(&b)
			c.fe.Send(&pgproto3.Execute{})
			expectCmd++
		}
	}

	if expectParse == 0 && expectCmd == 0 {
		return nil
	}

	if sendSync {
		c.fe.Send(&pgproto3.Sync{})
	} else {
		c.fe.Send(&pgproto3.Flush{})
	}
	if err := c.fe.Flush(); err != nil {
		return fmt.Errorf("backend write: %w", err)
	}

	err := c.receiveResults(expectParse, expectCmd, sendSync, sink, nil)
	if err == nil {
		for _, name := range parsedNames {
			c.prepared[name] = struct{}{}
		}
	}
	return err
}

func (c *Conn) isPrepared(name string) bool {
	if name == "" {
		return false
	}
	_, ok := c.prepared[name]
	return ok
}

// receiveResults drains one exchange. Completion is the ReadyForQuery when
// a Sync was sent, or the expected completion counts otherwise. On a
// backend error without a pending Sync, a Sync is issued to resynchronize.
func (c *Conn) receiveResults(
	expectParse, expectCmd int,
	awaitRFQ bool,
	sink DataSink,
	rows *[][][]byte,
) error {
	gotParse, gotCmd := 0, 0
	var sqlErr *PGError

	done := func() bool {
		if awaitRFQ {
			return false
		}
		return gotParse >= expectParse && gotCmd >= expectCmd
	}

	for !done() {
		msg, err := c.fe.Receive()
		if err != nil {
			return fmt.Errorf("backend read: %w", err)
		}

		switch m := msg.(type) {
		case *pgproto3.ParseComplete:
			gotParse++
		case *pgproto3.BindComplete, *pgproto3.NoData,
			*pgproto3.ParameterDescription, *pgproto3.ParameterStatus,
			*pgproto3.NoticeResponse, *pgproto3.PortalSuspended:
		case *pgproto3.RowDescription:
			if rows != nil {
				*rows = (*rows)[:0]
			}
		case *pgproto3.DataRow:
			if sqlErr != nil {
				break
			}
			vals := copyValues(m.Values)
			if sink != nil {
				if err := sink.SendData(vals); err != nil {
					return err
				}
			}
			if rows != nil {
				*rows = append(*rows, vals)
			}
		case *pgproto3.CommandComplete, *pgproto3.EmptyQueryResponse:
			gotCmd++
		case *pgproto3.ErrorResponse:
			if sqlErr == nil {
				sqlErr = newPGError(m)
			}
			if !awaitRFQ {
				c.fe.Send(&pgproto3.Sync{})
				if err := c.fe.Flush(); err != nil {
					return fmt.Errorf("backend resync: %w", err)
				}
				awaitRFQ = true
			}
		case *pgproto3.ReadyForQuery:
			c.txStatus = m.TxStatus
			if sqlErr != nil {
				return sqlErr
			}
			return nil
		default:
			// Unknown asynchronous traffic is ignored.
		}
	}

	if sqlErr != nil {
		return sqlErr
	}
	return nil
}

func copyValues(values [][]byte) [][]byte {
	out := make([][]byte, len(values))
	for i, v := range values {
		if v == nil {
			continue
		}
		out[i] = append([]byte(nil), v...)
	}
	return out
}

// SimpleQuery runs a SQL script through the simple-query protocol. When
// ignoreData is false the rows of the script's final result set are
// returned.
func (c *Conn) SimpleQuery(ctx context.Context, sql []byte, ignoreData bool) ([][][]byte, error) {
	if c.closed {
		return nil, ErrConnClosed
	}
	if err := c.setDeadline(ctx); err != nil {
		return nil, err
	}

	c.fe.Send(&pgproto3.Query{String: string(sql)})
	if err := c.fe.Flush(); err != nil {
		return nil, fmt.Errorf("backend write: %w", err)
	}

	var rows [][][]byte
	var rowsPtr *[][][]byte
	if !ignoreData {
		rowsPtr = &rows
	}
	if err := c.receiveResults(0, 0, true, nil, rowsPtr); err != nil {
		return nil, err
	}
	return rows, nil
}

// Sync resynchronizes the connection and returns the backend transaction
// status.
func (c *Conn) Sync(ctx context.Context) (byte, error) {
	if c.closed {
		return 0, ErrConnClosed
	}
	if err := c.setDeadline(ctx); err != nil {
		return 0, err
	}

	c.fe.Send(&pgproto3.Sync{})
	if err := c.fe.Flush(); err != nil {
		return 0, fmt.Errorf("backend write: %w", err)
	}
	if err := c.receiveResults(0, 0, true, nil, nil); err != nil {
		return 0, err
	}
	return c.txStatus, nil
}

func prepStmtName(sqlHash []byte, idx int) string {
	return "qs_" + hex.EncodeToString(sqlHash) + "_" + strconv.Itoa(idx)
}
