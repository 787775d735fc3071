package frontend

import (
	"context"

	"github.com/quilldata/quill/internal/compiler"
	"github.com/quilldata/quill/internal/wire"
)

// handleSimpleQuery runs a whole script with implicit-sync semantics: the
// reply group always ends in a ReadyForQuery, success or not.
func (c *Conn) handleSimpleQuery(ctx context.Context) error {
	query, err := c.rbuf.ReadNullString()
	if err != nil {
		return binaryProtocolError("malformed query message: %v", err)
	}
	if len(query) == 0 {
		return binaryProtocolError("empty query")
	}

	stmtMode := compiler.StatementModeAll
	if c.view.InTxError() {
		done, err := c.recoverScriptError(ctx, query)
		if err != nil {
			return err
		}
		if done {
			// The script was exactly the rollback that cleared the error.
			c.writeCommandComplete()
			return c.writeSyncAndFlush()
		}
		stmtMode = compiler.StatementModeSkipFirst
	}

	var units []*compiler.QueryUnit
	if c.view.InTx() {
		units, err = c.backend.Compiler.CompileInTx(
			ctx, c.view.TxID(), query, false, stmtMode)
	} else {
		units, err = c.backend.Compiler.Compile(
			ctx, c.view.DBVer(), query,
			c.view.ModAliases(), c.view.Config(),
			false, stmtMode)
	}
	if err != nil {
		return err
	}

	for _, unit := range units {
		if err := c.runScriptUnit(ctx, unit); err != nil {
			return err
		}
	}

	c.writeCommandComplete()
	return c.writeSyncAndFlush()
}

func (c *Conn) runScriptUnit(ctx context.Context, unit *compiler.QueryUnit) error {
	if err := c.view.Start(unit); err != nil {
		return err
	}

	if _, err := c.backend.PG.SimpleQuery(ctx, joinSQL(unit), true); err != nil {
		c.view.OnError(unit)
		if !c.backend.PG.InTx() && c.view.InTx() {
			c.view.AbortTx()
			if rerr := c.recoverCurrentTxInfo(ctx); rerr != nil {
				c.log.Error("tx state recovery failed", "err", rerr)
			}
		}
		return err
	}

	c.view.OnSuccess(unit)
	if unit.TxSavepointRollback {
		return c.recoverCurrentTxInfo(ctx)
	}
	return nil
}

// recoverScriptError runs the rollback that must lead a script arriving
// while the transaction is in error. It reports whether the script was
// nothing but that rollback.
func (c *Conn) recoverScriptError(ctx context.Context, query []byte) (done bool, err error) {
	unit, numRemain, err := c.backend.Compiler.TryCompileRollback(
		ctx, c.view.DBVer(), query)
	if err != nil {
		return false, err
	}

	if _, err := c.backend.PG.SimpleQuery(ctx, joinSQL(unit), true); err != nil {
		return false, err
	}

	if unit.TxSavepointRollback {
		if err := c.recoverCurrentTxInfo(ctx); err != nil {
			return false, err
		}
	} else {
		c.view.AbortTx()
	}

	return numRemain == 0, nil
}

// handleLegacy serves the legacy graphql entry point: compile the
// document, run it, and return the single JSON payload.
func (c *Conn) handleLegacy(ctx context.Context) error {
	lang, err := c.rbuf.ReadByte()
	if err != nil {
		return binaryProtocolError("malformed legacy message: %v", err)
	}
	if lang != 'g' {
		return binaryProtocolError("unsupported legacy language %q", lang)
	}

	query, err := c.rbuf.ReadNullString()
	if err != nil {
		return binaryProtocolError("malformed legacy message: %v", err)
	}
	if len(query) == 0 {
		return binaryProtocolError("empty query")
	}

	if c.view.InTx() {
		return transactionError("cannot execute graphql queries inside a transaction")
	}

	unit, err := c.backend.Compiler.CompileGraphQL(
		ctx, c.view.DBVer(), query, c.view.ModAliases(), c.view.Config())
	if err != nil {
		return err
	}

	rows, err := c.backend.PG.SimpleQuery(ctx, joinSQL(unit), false)
	if err != nil {
		return err
	}
	if len(rows) > 1 {
		return internalError("graphql query returned more than one row")
	}

	payload := []byte("null")
	if len(rows) == 1 {
		if len(rows[0]) != 1 {
			return internalError("graphql query returned more than one column")
		}
		if rows[0][0] != nil {
			payload = rows[0][0]
		}
	}

	c.wbuf.NewMessage(wire.MsgLegacyResult).WriteBytes(payload).EndMessage()
	return c.writeSyncAndFlush()
}

// writeSyncAndFlush ends an implicit-sync reply group.
func (c *Conn) writeSyncAndFlush() error {
	if err := c.writeReadyForQuery(c.backend.PG.TxStatus()); err != nil {
		return err
	}
	return c.flush()
}
