package frontend

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quilldata/quill/internal/backend"
	"github.com/quilldata/quill/internal/compiler"
	"github.com/quilldata/quill/internal/wire"
)

func readParseComplete(t *testing.T, tc *testClient) (flags int32, inID, outID []byte) {
	t.Helper()
	got := tc.readMessage()
	require.Equal(t, string(wire.MsgParseComplete), string(got))
	flags, err := tc.rbuf.ReadInt32()
	require.NoError(t, err)
	inID, err = tc.rbuf.ReadBytes(16)
	require.NoError(t, err)
	outID, err = tc.rbuf.ReadBytes(16)
	require.NoError(t, err)
	tc.finish()
	return flags, inID, outID
}

func TestParseHitsCacheOnSecondRound(t *testing.T) {
	e := startConn(t, nil)

	e.sendParse("SELECT 1;")
	e.client.sendSync()
	flags1, in1, out1 := readParseComplete(t, e.client)
	e.client.expectReady(wire.TxStatusIdle)

	e.sendParse("SELECT 1;")
	e.client.sendSync()
	flags2, in2, out2 := readParseComplete(t, e.client)
	e.client.expectReady(wire.TxStatusIdle)

	require.Equal(t, 1, e.comp.compileCalls, "second parse must hit the cache")
	require.Equal(t, flags1, flags2)
	require.Equal(t, in1, in2)
	require.Equal(t, out1, out2)

	// Both rounds still prepare the anonymous statement on the backend.
	require.Len(t, e.sql.parseExecCalls, 2)
	for _, call := range e.sql.parseExecCalls {
		require.True(t, call.parse)
		require.False(t, call.execute)
	}
}

func TestParseEmptyQuery(t *testing.T) {
	e := startConn(t, nil)

	e.sendParse("")
	e.client.sendSync()

	code := e.client.expectError()
	require.Equal(t, wire.CodeBinaryProtocolError, code)
	e.client.expectReady(wire.TxStatusIdle)
}

func TestParseRejectsNamedStatement(t *testing.T) {
	e := startConn(t, nil)

	e.client.send(func(w *wire.WriteBuffer) {
		w.NewMessage(wire.MsgParse).
			WriteByte(wire.FormatBinary).
			WriteUTF8("stmt0").
			WriteCString([]byte("SELECT 1;")).
			EndMessage()
	})
	e.client.sendSync()

	code := e.client.expectError()
	require.Equal(t, wire.CodeUnsupportedFeatureError, code)
	e.client.expectReady(wire.TxStatusIdle)
}

func TestDescribeWithoutStatement(t *testing.T) {
	e := startConn(t, nil)

	e.client.send(func(w *wire.WriteBuffer) {
		w.NewMessage(wire.MsgDescribe).
			WriteByte(wire.DescribeTypeInfo).
			WriteUTF8("").
			EndMessage()
	})
	e.client.sendSync()

	code := e.client.expectError()
	require.Equal(t, wire.CodeTypeSpecNotFound, code)
	e.client.expectReady(wire.TxStatusIdle)
}

func TestDescribeReturnsTypeDescriptors(t *testing.T) {
	e := startConn(t, nil)

	e.sendParse("SELECT 1;")
	e.client.send(func(w *wire.WriteBuffer) {
		w.NewMessage(wire.MsgDescribe).
			WriteByte(wire.DescribeTypeInfo).
			WriteUTF8("").
			EndMessage()
	})
	e.client.sendSync()

	readParseComplete(t, e.client)

	want := defaultUnit()
	got := e.client.readMessage()
	require.Equal(t, string(wire.MsgTypeDescription), string(got))
	_, err := e.client.rbuf.ReadInt32()
	require.NoError(t, err)
	inID, err := e.client.rbuf.ReadBytes(16)
	require.NoError(t, err)
	require.Equal(t, want.InTypeID.Bytes(), inID)
	inLen, err := e.client.rbuf.ReadInt16()
	require.NoError(t, err)
	inData, err := e.client.rbuf.ReadBytes(int(inLen))
	require.NoError(t, err)
	require.Equal(t, want.InTypeData, inData)
	e.client.finish()

	e.client.expectReady(wire.TxStatusIdle)
}

func TestExecuteWithTrailingSync(t *testing.T) {
	e := startConn(t, nil)

	e.sendParse("SELECT 1;")
	e.client.sendSync()
	readParseComplete(t, e.client)
	e.client.expectReady(wire.TxStatusIdle)

	// Execute and Sync arrive in one datagram so the Sync is already
	// queued when the execute handler peeks for it.
	e.client.send(func(w *wire.WriteBuffer) {
		w.NewMessage(wire.MsgExecute).
			WriteUTF8("").
			WriteBytes(emptyBindBlock()).
			EndMessage()
		w.NewMessage(wire.MsgSync).EndMessage()
	})

	e.client.expect(wire.MsgCommandComplete)
	e.client.expectReady(wire.TxStatusIdle)

	last := e.sql.parseExecCalls[len(e.sql.parseExecCalls)-1]
	require.False(t, last.parse)
	require.True(t, last.execute)
	require.True(t, last.sendSync, "a queued Sync must ride with the execute")
	require.False(t, last.usePrepStmt)

	wantBind := []byte{0, 1, 0, 1, 0, 0, 0, 1, 0, 1}
	require.Equal(t, wantBind, last.bindData)
}

func TestExecuteWithoutParse(t *testing.T) {
	e := startConn(t, nil)

	e.client.send(func(w *wire.WriteBuffer) {
		w.NewMessage(wire.MsgExecute).
			WriteUTF8("").
			WriteBytes(emptyBindBlock()).
			EndMessage()
	})
	e.client.sendSync()

	code := e.client.expectError()
	require.Equal(t, wire.CodeBinaryProtocolError, code)
	e.client.expectReady(wire.TxStatusIdle)
}

// sendOptimistic issues an OptimisticExecute with a trailing Sync in the
// same datagram.
func sendOptimistic(e *testEnv, query string, flags int32, inID, outID []byte) {
	e.client.send(func(w *wire.WriteBuffer) {
		w.NewMessage(wire.MsgOptimisticExec).
			WriteByte(wire.FormatBinary).
			WriteCString([]byte(query)).
			WriteInt32(flags).
			WriteBytes(inID).
			WriteBytes(outID).
			WriteBytes(emptyBindBlock()).
			EndMessage()
		w.NewMessage(wire.MsgSync).EndMessage()
	})
}

func TestOptimisticExecuteTypeMismatch(t *testing.T) {
	e := startConn(t, nil)

	stale := make([]byte, 16)
	stale[15] = 0x01
	sendOptimistic(e, "SELECT 1;", 0, stale, stale)

	// The response is exactly one type description: no CommandComplete,
	// no execution.
	e.client.expect(wire.MsgTypeDescription)
	e.client.expectReady(wire.TxStatusIdle)

	require.Len(t, e.sql.parseExecCalls, 1, "only the prepare round trip")
	require.False(t, e.sql.parseExecCalls[0].execute)
}

func TestOptimisticExecuteMatchRuns(t *testing.T) {
	e := startConn(t, nil)

	unit := defaultUnit()
	sendOptimistic(e, "SELECT 1;", wire.FlagHasResult,
		unit.InTypeID.Bytes(), unit.OutTypeID.Bytes())

	e.client.expect(wire.MsgCommandComplete)
	e.client.expectReady(wire.TxStatusIdle)

	last := e.sql.parseExecCalls[len(e.sql.parseExecCalls)-1]
	require.True(t, last.parse)
	require.True(t, last.execute)
	require.True(t, last.sendSync)
}

func TestOptimisticExecutePrefersPreparedStatement(t *testing.T) {
	e := startConn(t, nil)

	unit := defaultUnit()
	unit.SQLHash = []byte{0xab, 0xcd}
	e.comp.units["SELECT 1;"] = []*compiler.QueryUnit{unit}

	sendOptimistic(e, "SELECT 1;", wire.FlagHasResult,
		unit.InTypeID.Bytes(), unit.OutTypeID.Bytes())

	e.client.expect(wire.MsgCommandComplete)
	e.client.expectReady(wire.TxStatusIdle)

	last := e.sql.parseExecCalls[len(e.sql.parseExecCalls)-1]
	require.True(t, last.usePrepStmt)
}

// enterFailedTx drives the session into an aborted transaction.
func enterFailedTx(t *testing.T, e *testEnv) {
	t.Helper()

	e.comp.units["START TRANSACTION;"] = beginUnits()
	prevSimple := e.sql.onSimple
	e.sql.onSimple = func(sql string) ([][][]byte, error) {
		switch {
		case sql == "BEGIN":
			e.sql.txStatus = backend.TxStatusInTrans
			return nil, nil
		case strings.Contains(sql, "boom"):
			e.sql.txStatus = backend.TxStatusInError
			return nil, &backend.PGError{Fields: map[byte]string{
				'S': "ERROR", 'C': "42703", 'M': "column does not exist",
			}}
		}
		if prevSimple != nil {
			return prevSimple(sql)
		}
		return nil, nil
	}

	e.sendSimpleQuery("START TRANSACTION;")
	e.client.expect(wire.MsgCommandComplete)
	e.client.expectReady(wire.TxStatusInTx)

	e.comp.units["SELECT boom;"] = []*compiler.QueryUnit{{
		SQL: [][]byte{[]byte("SELECT boom")},
	}}
	e.sendSimpleQuery("SELECT boom;")
	code := e.client.expectError()
	require.Equal(t, uint32(0x04000000), code, "backend errors are interpreted")
	e.client.expectReady(wire.TxStatusFailed)

	require.True(t, e.conn.View().InTxError())
}

func TestInTxErrorBlocksNonRollback(t *testing.T) {
	e := startConn(t, nil)
	enterFailedTx(t, e)

	// Any non-rollback statement fails without touching the backend.
	e.comp.rollbackErr = &compiler.Error{
		Code:    wire.CodeTransactionError,
		Message: "expected a rollback",
	}
	backendCalls := len(e.sql.simpleQueries) + len(e.sql.parseExecCalls)

	e.sendParse("SELECT 1;")
	e.client.sendSync()
	code := e.client.expectError()
	require.Equal(t, wire.CodeTransactionError, code)
	e.client.expectReady(wire.TxStatusFailed)

	require.Equal(t, backendCalls, len(e.sql.simpleQueries)+len(e.sql.parseExecCalls),
		"aborted transaction must not reach the backend")

	// A rollback script clears the state.
	e.comp.rollbackErr = nil
	prevSimple := e.sql.onSimple
	e.sql.onSimple = func(sql string) ([][][]byte, error) {
		if sql == "ROLLBACK" {
			e.sql.txStatus = backend.TxStatusIdle
			return nil, nil
		}
		return prevSimple(sql)
	}

	e.sendSimpleQuery("ROLLBACK;")
	e.client.expect(wire.MsgCommandComplete)
	e.client.expectReady(wire.TxStatusIdle)

	require.False(t, e.conn.View().InTx())
	require.False(t, e.conn.View().InTxError())
}

func TestCommitFailedCompensation(t *testing.T) {
	e := startConn(t, nil)

	e.comp.units["START TRANSACTION;"] = beginUnits()
	e.comp.units["COMMIT;"] = []*compiler.QueryUnit{{
		SQL:       [][]byte{[]byte("COMMIT")},
		CommitsTx: true,
	}}

	e.sql.onSimple = func(sql string) ([][][]byte, error) {
		switch {
		case sql == "BEGIN":
			e.sql.txStatus = backend.TxStatusInTrans
			return nil, nil
		case sql == "COMMIT":
			// The backend ends the transaction on its own while failing.
			e.sql.txStatus = backend.TxStatusIdle
			return nil, &backend.PGError{Fields: map[byte]string{
				'S': "ERROR", 'C': "40001", 'M': "could not serialize access",
			}}
		case strings.Contains(sql, "_edgecon_state"):
			return [][][]byte{
				{[]byte(""), []byte("default"), []byte("A")},
				{[]byte(""), []byte("0"), []byte("S")},
			}, nil
		}
		return nil, nil
	}

	e.sendSimpleQuery("START TRANSACTION;")
	e.client.expect(wire.MsgCommandComplete)
	e.client.expectReady(wire.TxStatusInTx)

	e.sendSimpleQuery("COMMIT;")
	e.client.expectError()
	e.client.expectReady(wire.TxStatusIdle)

	require.False(t, e.conn.View().InTx(),
		"failed COMMIT must force the logical transaction closed")

	// State was reloaded from the session tables.
	var sawStateQuery bool
	for _, q := range e.sql.simpleQueries {
		if strings.Contains(q, "_edgecon_current_savepoint") &&
			strings.Contains(q, "UNION ALL") {
			sawStateQuery = true
		}
	}
	require.True(t, sawStateQuery, "aliases/config must be recovered from the backing tables")
	require.Equal(t, "default", e.conn.View().DefaultModuleAlias())
}

func TestResultRowsStreamAsDataMessages(t *testing.T) {
	e := startConn(t, nil)

	e.sql.onParseExec = func(call parseExecCall, sink backend.DataSink) error {
		if call.execute {
			require.NoError(t, sink.SendData([][]byte{[]byte("hello")}))
			require.NoError(t, sink.SendData([][]byte{nil}))
		}
		return nil
	}

	e.sendParse("SELECT 1;")
	e.client.sendSync()
	readParseComplete(t, e.client)
	e.client.expectReady(wire.TxStatusIdle)

	e.client.send(func(w *wire.WriteBuffer) {
		w.NewMessage(wire.MsgExecute).
			WriteUTF8("").
			WriteBytes(emptyBindBlock()).
			EndMessage()
	})
	e.client.sendSync()

	got := e.client.readMessage()
	require.Equal(t, string(wire.MsgData), string(got))
	n, err := e.client.rbuf.ReadInt16()
	require.NoError(t, err)
	require.Equal(t, int16(1), n)
	l, err := e.client.rbuf.ReadUint32()
	require.NoError(t, err)
	val, err := e.client.rbuf.ReadBytes(int(l))
	require.NoError(t, err)
	require.True(t, bytes.Equal(val, []byte("hello")))
	e.client.finish()

	got = e.client.readMessage()
	require.Equal(t, string(wire.MsgData), string(got))
	_, err = e.client.rbuf.ReadInt16()
	require.NoError(t, err)
	null, err := e.client.rbuf.ReadInt32()
	require.NoError(t, err)
	require.Equal(t, int32(-1), null)
	e.client.finish()

	e.client.expect(wire.MsgCommandComplete)
	e.client.expectReady(wire.TxStatusIdle)
}

func TestBackendErrorDuringExecutePushesSyncBack(t *testing.T) {
	e := startConn(t, nil)

	e.sendParse("SELECT 1;")
	e.client.sendSync()
	readParseComplete(t, e.client)
	e.client.expectReady(wire.TxStatusIdle)

	e.sql.onParseExec = func(call parseExecCall, _ backend.DataSink) error {
		if call.execute {
			return &backend.PGError{Fields: map[byte]string{
				'S': "ERROR", 'C': "22012", 'M': "division by zero",
			}}
		}
		return nil
	}

	e.client.send(func(w *wire.WriteBuffer) {
		w.NewMessage(wire.MsgExecute).
			WriteUTF8("").
			WriteBytes(emptyBindBlock()).
			EndMessage()
	})
	e.client.sendSync()

	// The error is written and the pushed-back Sync still produces
	// exactly one ReadyForQuery.
	e.client.expectError()
	e.client.expectReady(wire.TxStatusIdle)

	var unexpected error
	select {
	case unexpected = <-e.serveErr:
		t.Fatalf("Serve exited unexpectedly: %v", unexpected)
	default:
	}
}

func TestInTxErrorExecuteRollbackUnit(t *testing.T) {
	e := startConn(t, nil)

	rollback := &compiler.QueryUnit{
		SQL:        [][]byte{[]byte("ROLLBACK")},
		TxRollback: true,
		Cacheable:  true,
	}
	e.comp.units["ROLLBACK;"] = []*compiler.QueryUnit{rollback}

	// Prime the anonymous slot with the rollback before entering the
	// failed transaction.
	e.sendParse("ROLLBACK;")
	e.client.sendSync()
	readParseComplete(t, e.client)
	e.client.expectReady(wire.TxStatusIdle)

	enterFailedTx(t, e)

	prevSimple := e.sql.onSimple
	e.sql.onSimple = func(sql string) ([][][]byte, error) {
		if sql == "ROLLBACK" {
			e.sql.txStatus = backend.TxStatusIdle
			return nil, nil
		}
		return prevSimple(sql)
	}

	// Re-parse hits the cache; the unit is rollback-shaped, so it is
	// allowed through, and execute runs it via the simple protocol.
	e.sendParse("ROLLBACK;")
	e.client.send(func(w *wire.WriteBuffer) {
		w.NewMessage(wire.MsgExecute).
			WriteUTF8("").
			WriteBytes(emptyBindBlock()).
			EndMessage()
	})
	e.client.sendSync()

	readParseComplete(t, e.client)
	e.client.expect(wire.MsgCommandComplete)
	e.client.expectReady(wire.TxStatusIdle)

	require.False(t, e.conn.View().InTx())
	require.False(t, e.conn.View().InTxError())
}

func TestRecodeBindArgs(t *testing.T) {
	// For any input u32 len || u32 n || body, the output must be
	// 0x00010001 || u16 n || body || 0x00010001 bit-exactly.
	body := []byte{0, 0, 0, 3, 'a', 'b', 'c', 0xff, 0xff, 0xff, 0xff}
	in := append([]byte{0, 0, 0, 42, 0, 0, 0, 2}, body...)

	out, err := recodeBindArgs(in)
	if err != nil {
		t.Fatalf("recodeBindArgs: %v", err)
	}

	want := append([]byte{0, 1, 0, 1, 0, 2}, body...)
	want = append(want, 0, 1, 0, 1)
	if !bytes.Equal(out, want) {
		t.Errorf("recodeBindArgs:\n got %v\nwant %v", out, want)
	}
}

func TestRecodeBindArgsRejectsShortInput(t *testing.T) {
	if _, err := recodeBindArgs([]byte{0, 0, 0}); err == nil {
		t.Error("short bind block must be rejected")
	}
	var protoErr *ProtocolError
	_, err := recodeBindArgs(nil)
	if !errors.As(err, &protoErr) || protoErr.Code != wire.CodeBinaryProtocolError {
		t.Errorf("expected a binary protocol error, got %v", err)
	}
}
