package frontend

import (
	"context"
	"strconv"
)

// txStateQuery reads the session state tables: alias and config rows from
// _edgecon_state, plus the current savepoint id synthesized as type 'S'.
const txStateQuery = `
	SELECT s.name, s.value, s.type
	FROM _edgecon_state s
	UNION ALL
	SELECT '', sp.sp_id::text, 'S'
	FROM _edgecon_current_savepoint sp
`

// recoverCurrentTxInfo reconstructs aliases, config, and the savepoint id
// from the backing tables, then installs them on the view. It is the
// source of truth after every savepoint rollback and failed COMMIT.
func (c *Conn) recoverCurrentTxInfo(ctx context.Context) error {
	rows, err := c.backend.PG.SimpleQuery(ctx, []byte(txStateQuery), false)
	if err != nil {
		return err
	}

	aliases := map[string]string{}
	config := map[string]string{}
	var spID int64

	for _, row := range rows {
		if len(row) != 3 {
			return internalError("malformed session state row")
		}
		name := string(row[0])
		value := string(row[1])

		switch string(row[2]) {
		case "A":
			aliases[name] = value
		case "C":
			decoded, err := c.backend.Compiler.DecodeSettingValue(ctx, name, value)
			if err != nil {
				return err
			}
			config[name] = decoded
		case "S":
			spID, err = strconv.ParseInt(value, 10, 64)
			if err != nil {
				return internalError("malformed savepoint id %q", value)
			}
		default:
			return internalError("unexpected session state row type %q", row[2])
		}
	}

	if c.view.InTx() {
		c.view.RollbackTxToSavepoint(spID, aliases, config)
	} else {
		c.view.RecoverAliasesAndConfig(aliases, config)
	}
	return nil
}
