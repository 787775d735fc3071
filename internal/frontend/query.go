package frontend

import (
	"bytes"
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/quilldata/quill/internal/compiler"
	"github.com/quilldata/quill/internal/dbview"
	"github.com/quilldata/quill/internal/wire"
)

func readOutputFormat(b byte) (jsonMode bool, err error) {
	switch b {
	case wire.FormatJSON:
		return true, nil
	case wire.FormatBinary:
		return false, nil
	default:
		return false, binaryProtocolError("unknown output format %q", b)
	}
}

// handleParse compiles and prepares an anonymous statement.
func (c *Conn) handleParse(ctx context.Context) error {
	mode, err := c.rbuf.ReadByte()
	if err != nil {
		return binaryProtocolError("malformed parse message: %v", err)
	}
	jsonMode, err := readOutputFormat(mode)
	if err != nil {
		return err
	}

	stmtName, err := c.rbuf.ReadUTF8()
	if err != nil {
		return binaryProtocolError("malformed parse message: %v", err)
	}
	if stmtName != "" {
		return unsupportedFeatureError("prepared statements are not yet supported")
	}

	query, err := c.rbuf.ReadNullString()
	if err != nil {
		return binaryProtocolError("malformed parse message: %v", err)
	}
	if len(query) == 0 {
		return binaryProtocolError("empty query")
	}

	unit, err := c.parseQuery(ctx, query, jsonMode)
	if err != nil {
		return err
	}

	c.wbuf.NewMessage(wire.MsgParseComplete).
		WriteInt32(unitFlags(unit)).
		WriteBytes(unit.InTypeID.Bytes()).
		WriteBytes(unit.OutTypeID.Bytes()).
		EndMessage()
	return nil
}

// parseQuery resolves query text to a prepared unit: cache, compiler, then
// a prepare round trip on the SQL backend. It repopulates the cache and the
// anonymous statement slot.
func (c *Conn) parseQuery(ctx context.Context, query []byte, jsonMode bool) (*compiler.QueryUnit, error) {
	c.lastAnonCompiled = nil

	unit, cached, err := c.lookupOrCompile(ctx, query, jsonMode)
	if err != nil {
		return nil, err
	}

	if err := c.backend.PG.ParseExecute(ctx, true, false, unit, nil, false, false, nil); err != nil {
		return nil, err
	}

	if !cached && unit.Cacheable && c.queryCacheEnabled {
		c.view.CacheCompiledQuery(query, jsonMode, unit)
	}
	c.lastAnonCompiled = unit
	return unit, nil
}

// lookupOrCompile consults the compiled-query cache and falls back to the
// compiler, honoring the in-transaction-error restrictions.
func (c *Conn) lookupOrCompile(ctx context.Context, query []byte, jsonMode bool) (unit *compiler.QueryUnit, cached bool, err error) {
	if c.queryCacheEnabled {
		if unit, ok := c.view.LookupCompiledQuery(query, jsonMode); ok {
			if c.view.InTxError() && !unit.RollbackShaped() {
				return nil, false, dbview.ErrTxAborted
			}
			return unit, true, nil
		}
	}

	if c.view.InTxError() {
		unit, numRemain, err := c.backend.Compiler.TryCompileRollback(
			ctx, c.view.DBVer(), query)
		if err != nil {
			return nil, false, err
		}
		if numRemain > 0 {
			return nil, false, dbview.ErrTxAborted
		}
		return unit, false, nil
	}

	var units []*compiler.QueryUnit
	if c.view.InTx() {
		units, err = c.backend.Compiler.CompileInTx(
			ctx, c.view.TxID(), query, jsonMode, compiler.StatementModeSingle)
	} else {
		units, err = c.backend.Compiler.Compile(
			ctx, c.view.DBVer(), query,
			c.view.ModAliases(), c.view.Config(),
			jsonMode, compiler.StatementModeSingle)
	}
	if err != nil {
		return nil, false, err
	}
	if len(units) == 0 {
		return nil, false, internalError("compiler returned no units")
	}
	return units[0], false, nil
}

func unitFlags(unit *compiler.QueryUnit) int32 {
	var flags int32
	if unit.HasResult {
		flags |= wire.FlagHasResult
	}
	if unit.SingletonResult {
		flags |= wire.FlagSingletonResult
	}
	return flags
}

// handleDescribe reports the type descriptors of the anonymous statement.
func (c *Conn) handleDescribe(ctx context.Context) error {
	_ = ctx

	kind, err := c.rbuf.ReadByte()
	if err != nil {
		return binaryProtocolError("malformed describe message: %v", err)
	}
	if kind != wire.DescribeTypeInfo {
		return binaryProtocolError("unsupported describe aspect %q", kind)
	}

	stmtName, err := c.rbuf.ReadUTF8()
	if err != nil {
		return binaryProtocolError("malformed describe message: %v", err)
	}
	if stmtName != "" {
		return unsupportedFeatureError("prepared statements are not yet supported")
	}

	if c.lastAnonCompiled == nil {
		return &ProtocolError{
			Code: wire.CodeTypeSpecNotFound,
			Msg:  "no prepared anonymous statement found",
		}
	}

	c.writeTypeDescription(c.lastAnonCompiled)
	return nil
}

func (c *Conn) writeTypeDescription(unit *compiler.QueryUnit) {
	c.wbuf.NewMessage(wire.MsgTypeDescription).
		WriteInt32(unitFlags(unit)).
		WriteBytes(unit.InTypeID.Bytes()).
		WriteInt16(int16(len(unit.InTypeData))).
		WriteBytes(unit.InTypeData).
		WriteBytes(unit.OutTypeID.Bytes()).
		WriteInt16(int16(len(unit.OutTypeData))).
		WriteBytes(unit.OutTypeData).
		EndMessage()
}

// handleExecute runs the anonymous statement with the client's bind block.
func (c *Conn) handleExecute(ctx context.Context) error {
	stmtName, err := c.rbuf.ReadUTF8()
	if err != nil {
		return binaryProtocolError("malformed execute message: %v", err)
	}
	if stmtName != "" {
		return unsupportedFeatureError("prepared statements are not yet supported")
	}

	bindArgs := c.rbuf.ConsumeMessage()

	if c.lastAnonCompiled == nil {
		return binaryProtocolError("no prepared anonymous statement found")
	}
	return c.executeUnit(ctx, c.lastAnonCompiled, bindArgs, false, false)
}

// handleOptimisticExecute is a combined parse+execute: the client asserts
// the type IDs it already knows; on mismatch the server downgrades to a
// type description so the client can retry.
func (c *Conn) handleOptimisticExecute(ctx context.Context) error {
	mode, err := c.rbuf.ReadByte()
	if err != nil {
		return binaryProtocolError("malformed execute message: %v", err)
	}
	jsonMode, err := readOutputFormat(mode)
	if err != nil {
		return err
	}

	query, err := c.rbuf.ReadNullString()
	if err != nil {
		return binaryProtocolError("malformed execute message: %v", err)
	}
	if len(query) == 0 {
		return binaryProtocolError("empty query")
	}

	claimedFlags, err := c.rbuf.ReadInt32()
	if err != nil {
		return binaryProtocolError("malformed execute message: %v", err)
	}
	inIDBytes, err := c.rbuf.ReadBytes(16)
	if err != nil {
		return binaryProtocolError("malformed execute message: %v", err)
	}
	outIDBytes, err := c.rbuf.ReadBytes(16)
	if err != nil {
		return binaryProtocolError("malformed execute message: %v", err)
	}
	bindArgs := c.rbuf.ConsumeMessage()

	claimedIn, _ := uuid.FromBytes(inIDBytes)
	claimedOut, _ := uuid.FromBytes(outIDBytes)
	claimedSingleton := claimedFlags&wire.FlagSingletonResult != 0

	var unit *compiler.QueryUnit
	if c.queryCacheEnabled {
		if u, ok := c.view.LookupCompiledQuery(query, jsonMode); ok {
			unit = u
		}
	}
	if unit == nil {
		unit, err = c.parseQuery(ctx, query, jsonMode)
		if err != nil {
			return err
		}
	}

	if unit.InTypeID != claimedIn ||
		unit.OutTypeID != claimedOut ||
		unit.SingletonResult != claimedSingleton {
		// The client's type knowledge is stale: answer with the real
		// descriptors instead of executing.
		c.writeTypeDescription(unit)
		return nil
	}

	return c.executeUnit(ctx, unit, bindArgs, true, unit.SQLHash != nil)
}

// executeUnit is the execute core shared by Execute and
// OptimisticExecute.
func (c *Conn) executeUnit(ctx context.Context, unit *compiler.QueryUnit, bindArgs []byte, parse, usePrepStmt bool) error {
	if c.view.InTxError() {
		if !unit.RollbackShaped() {
			return dbview.ErrTxAborted
		}
		if _, err := c.backend.PG.SimpleQuery(ctx, joinSQL(unit), true); err != nil {
			return err
		}
		if unit.TxSavepointRollback {
			if err := c.recoverCurrentTxInfo(ctx); err != nil {
				return err
			}
		} else {
			c.view.AbortTx()
		}
		c.writeCommandComplete()
		return nil
	}

	bindData, err := recodeBindArgs(bindArgs)
	if err != nil {
		return err
	}

	// If a Sync is already queued, let the backend's own sync ride in the
	// same round trip. The message stays unfinished until the success
	// path completes; the error path pushes it back for the loop.
	c.rbuf.FinishMessage()
	processSync := c.rbuf.TakeMessageType(wire.MsgSync)

	if err := c.view.Start(unit); err != nil {
		if processSync {
			c.rbuf.PutMessage()
		}
		return err
	}

	err = c.backend.PG.ParseExecute(
		ctx, parse, true, unit, bindData, processSync, usePrepStmt, c)
	if err != nil {
		c.view.OnError(unit)
		if !c.backend.PG.InTx() && c.view.InTx() {
			// The backend ended the transaction on its own: a COMMIT that
			// failed mid-flight. Resynchronize the logical state.
			c.view.AbortTx()
			if rerr := c.recoverCurrentTxInfo(ctx); rerr != nil {
				c.log.Error("tx state recovery failed", "err", rerr)
			}
		}
		if processSync {
			c.rbuf.PutMessage()
		}
		return err
	}

	c.view.OnSuccess(unit)
	if unit.TxSavepointRollback {
		if err := c.recoverCurrentTxInfo(ctx); err != nil {
			if processSync {
				c.rbuf.PutMessage()
			}
			return err
		}
	}
	c.writeCommandComplete()

	if processSync {
		if err := c.writeReadyForQuery(c.backend.PG.TxStatus()); err != nil {
			return err
		}
		if err := c.flush(); err != nil {
			return err
		}
		c.rbuf.FinishMessage()
	}
	return nil
}

func joinSQL(unit *compiler.QueryUnit) []byte {
	return bytes.Join(unit.SQL, []byte("; "))
}
