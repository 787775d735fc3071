package frontend

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/quilldata/quill/internal/backend"
	"github.com/quilldata/quill/internal/compiler"
	"github.com/quilldata/quill/internal/wire"
)

// fakeCompiler is a scripted compiler.Client. Units are keyed by query
// text; unknown queries get a default unit.
type fakeCompiler struct {
	units map[string][]*compiler.QueryUnit

	rollbackUnit   *compiler.QueryUnit
	rollbackRemain int
	rollbackErr    error

	gqlUnit *compiler.QueryUnit

	interpreted *compiler.InterpretedError
	interpErr   error

	compileCalls  int
	graphqlCalls  int
	rollbackCalls int
}

func newFakeCompiler() *fakeCompiler {
	return &fakeCompiler{units: map[string][]*compiler.QueryUnit{}}
}

func defaultUnit() *compiler.QueryUnit {
	return &compiler.QueryUnit{
		SQL:         [][]byte{[]byte("SELECT 1")},
		InTypeID:    uuid.FromStringOrNil("00000000-0000-0000-0000-0000000000ff"),
		OutTypeID:   uuid.FromStringOrNil("00000000-0000-0000-0000-000000000101"),
		InTypeData:  []byte{2},
		OutTypeData: []byte{2},
		HasResult:   true,
		Cacheable:   true,
	}
}

func (f *fakeCompiler) lookup(query []byte) []*compiler.QueryUnit {
	f.compileCalls++
	if units, ok := f.units[string(query)]; ok {
		return units
	}
	return []*compiler.QueryUnit{defaultUnit()}
}

func (f *fakeCompiler) Compile(_ context.Context, _ int64, query []byte, _, _ map[string]string, _ bool, _ compiler.StatementMode) ([]*compiler.QueryUnit, error) {
	return f.lookup(query), nil
}

func (f *fakeCompiler) CompileInTx(_ context.Context, _ uint64, query []byte, _ bool, _ compiler.StatementMode) ([]*compiler.QueryUnit, error) {
	return f.lookup(query), nil
}

func (f *fakeCompiler) TryCompileRollback(_ context.Context, _ int64, _ []byte) (*compiler.QueryUnit, int, error) {
	f.rollbackCalls++
	if f.rollbackErr != nil {
		return nil, 0, f.rollbackErr
	}
	unit := f.rollbackUnit
	if unit == nil {
		unit = &compiler.QueryUnit{
			SQL:        [][]byte{[]byte("ROLLBACK")},
			TxRollback: true,
		}
	}
	return unit, f.rollbackRemain, nil
}

func (f *fakeCompiler) CompileGraphQL(_ context.Context, _ int64, _ []byte, _, _ map[string]string) (*compiler.QueryUnit, error) {
	f.graphqlCalls++
	if f.gqlUnit != nil {
		return f.gqlUnit, nil
	}
	return &compiler.QueryUnit{SQL: [][]byte{[]byte("SELECT gql()")}}, nil
}

func (f *fakeCompiler) InterpretBackendError(_ context.Context, _ int64, fields map[byte]string) (*compiler.InterpretedError, error) {
	if f.interpErr != nil {
		return nil, f.interpErr
	}
	if f.interpreted != nil {
		return f.interpreted, nil
	}
	return &compiler.InterpretedError{
		Code:    0x04000000,
		Message: fields['M'],
	}, nil
}

func (f *fakeCompiler) DecodeSettingValue(_ context.Context, _, value string) (string, error) {
	return value, nil
}

func (f *fakeCompiler) Close() error { return nil }

// parseExecCall records one ParseExecute round trip.
type parseExecCall struct {
	parse, execute bool
	unit           *compiler.QueryUnit
	bindData       []byte
	sendSync       bool
	usePrepStmt    bool
}

// fakeSQL is a scripted SQLConn.
type fakeSQL struct {
	txStatus byte

	parseExecCalls []parseExecCall
	simpleQueries  []string

	onParseExec func(call parseExecCall, sink backend.DataSink) error
	onSimple    func(sql string) ([][][]byte, error)
	syncErr     error
}

func newFakeSQL() *fakeSQL {
	return &fakeSQL{txStatus: backend.TxStatusIdle}
}

func (f *fakeSQL) ParseExecute(_ context.Context, parse, execute bool, unit *compiler.QueryUnit, bindData []byte, sendSync, usePrepStmt bool, sink backend.DataSink) error {
	call := parseExecCall{
		parse: parse, execute: execute, unit: unit,
		bindData: bindData, sendSync: sendSync, usePrepStmt: usePrepStmt,
	}
	f.parseExecCalls = append(f.parseExecCalls, call)
	if f.onParseExec != nil {
		return f.onParseExec(call, sink)
	}
	return nil
}

func (f *fakeSQL) SimpleQuery(_ context.Context, sql []byte, _ bool) ([][][]byte, error) {
	f.simpleQueries = append(f.simpleQueries, string(sql))
	if f.onSimple != nil {
		return f.onSimple(string(sql))
	}
	return nil, nil
}

func (f *fakeSQL) Sync(_ context.Context) (byte, error) {
	if f.syncErr != nil {
		return 0, f.syncErr
	}
	return f.txStatus, nil
}

func (f *fakeSQL) TxStatus() byte { return f.txStatus }

func (f *fakeSQL) InTx() bool {
	return f.txStatus == backend.TxStatusInTrans || f.txStatus == backend.TxStatusInError
}

func (f *fakeSQL) Addr() string { return "localhost:5432" }

func (f *fakeSQL) Close() error { return nil }

// testClient drives the client half of a net.Pipe.
type testClient struct {
	t       *testing.T
	conn    net.Conn
	rbuf    *wire.ReadBuffer
	scratch []byte
}

func newTestClient(t *testing.T, conn net.Conn) *testClient {
	return &testClient{
		t:       t,
		conn:    conn,
		rbuf:    wire.NewReadBuffer(4096),
		scratch: make([]byte, 4096),
	}
}

func (tc *testClient) sendRaw(data []byte) {
	tc.t.Helper()
	_, err := tc.conn.Write(data)
	require.NoError(tc.t, err)
}

func (tc *testClient) send(build func(w *wire.WriteBuffer)) {
	tc.t.Helper()
	w := wire.NewWriteBuffer(256)
	build(w)
	tc.sendRaw(w.SealedBytes())
}

func (tc *testClient) sendSync() {
	tc.send(func(w *wire.WriteBuffer) {
		w.NewMessage(wire.MsgSync).EndMessage()
	})
}

// readMessage blocks for the next server message; the caller reads its
// fields off the returned buffer and must call finish.
func (tc *testClient) readMessage() byte {
	tc.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	require.NoError(tc.t, tc.conn.SetReadDeadline(deadline))
	for !tc.rbuf.TakeMessage() {
		n, err := tc.conn.Read(tc.scratch)
		if n > 0 {
			tc.rbuf.Feed(tc.scratch[:n])
			continue
		}
		require.NoError(tc.t, err)
	}
	return tc.rbuf.MessageType()
}

func (tc *testClient) finish() {
	tc.rbuf.FinishMessage()
}

// expect asserts the next message type and discards its payload.
func (tc *testClient) expect(msgType byte) {
	tc.t.Helper()
	got := tc.readMessage()
	require.Equalf(tc.t, string(msgType), string(got), "unexpected message type")
	tc.finish()
}

// expectReady asserts a ReadyForQuery with the given status byte.
func (tc *testClient) expectReady(status byte) {
	tc.t.Helper()
	got := tc.readMessage()
	require.Equal(tc.t, string(wire.MsgReadyForQuery), string(got))
	b, err := tc.rbuf.ReadByte()
	require.NoError(tc.t, err)
	require.Equal(tc.t, string(status), string(b))
	tc.finish()
}

// expectError asserts an ErrorResponse and returns its code.
func (tc *testClient) expectError() uint32 {
	tc.t.Helper()
	got := tc.readMessage()
	require.Equal(tc.t, string(wire.MsgErrorResponse), string(got))
	code, err := tc.rbuf.ReadUint32()
	require.NoError(tc.t, err)
	tc.finish()
	return code
}

type testEnv struct {
	client   *testClient
	conn     *Conn
	comp     *fakeCompiler
	sql      *fakeSQL
	serveErr chan error
}

// startConn runs a connection over a pipe and completes the handshake.
func startConn(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	e := startRawConn(t, mutate)
	tc := e.client

	// Protocol version preamble, then the handshake message.
	tc.sendRaw([]byte{0, 1, 0, 0})
	tc.send(func(w *wire.WriteBuffer) {
		w.NewMessage(wire.MsgClientHandshake).
			WriteUTF8("u").
			WriteUTF8("p").
			WriteUTF8("testdb").
			EndMessage()
	})

	tc.expect(wire.MsgAuthentication)
	tc.expect(wire.MsgServerKeyData)
	tc.expectReady(wire.TxStatusIdle)

	return e
}

// sendParse issues a Parse for query in binary mode.
func (e *testEnv) sendParse(query string) {
	e.client.send(func(w *wire.WriteBuffer) {
		w.NewMessage(wire.MsgParse).
			WriteByte(wire.FormatBinary).
			WriteUTF8("").
			WriteCString([]byte(query)).
			EndMessage()
	})
}

// sendSimpleQuery issues a SimpleQuery message.
func (e *testEnv) sendSimpleQuery(query string) {
	e.client.send(func(w *wire.WriteBuffer) {
		w.NewMessage(wire.MsgSimpleQuery).
			WriteCString([]byte(query)).
			EndMessage()
	})
}

// emptyBindBlock is a client bind block carrying zero arguments.
func emptyBindBlock() []byte {
	return []byte{0, 0, 0, 0, 0, 0, 0, 0}
}

// beginUnits is the compiled form of a transaction-opening script.
func beginUnits() []*compiler.QueryUnit {
	return []*compiler.QueryUnit{{
		SQL:      [][]byte{[]byte("BEGIN")},
		StartsTx: true,
	}}
}
