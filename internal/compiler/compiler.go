// Package compiler talks to the out-of-process query compiler. The
// compiler owns schema context: it turns query text into executable
// QueryUnits and translates backend errors back into protocol errors.
package compiler

import (
	"context"

	"github.com/gofrs/uuid/v5"
)

// StatementMode controls how the compiler splits a script.
type StatementMode string

const (
	// StatementModeAll compiles every statement in the script.
	StatementModeAll StatementMode = "all"
	// StatementModeSingle requires the script to be exactly one statement.
	StatementModeSingle StatementMode = "single"
	// StatementModeSkipFirst drops the first statement, used after the
	// frontend has already run a leading rollback out of a failed script.
	StatementModeSkipFirst StatementMode = "skip_first"
)

// QueryUnit is the compiler's output for one statement: the SQL to run
// plus type descriptors, cacheability, and transaction-shape flags.
type QueryUnit struct {
	// SQL statements to execute on the backend, in order.
	SQL [][]byte

	// SQLHash, when present, names a server-side prepared statement the
	// backend may reuse across executions of this unit.
	SQLHash []byte

	InTypeID    uuid.UUID
	OutTypeID   uuid.UUID
	InTypeData  []byte
	OutTypeData []byte

	HasResult       bool
	SingletonResult bool
	Cacheable       bool

	// Transaction shape. StartsTx/CommitsTx drive the dbview's logical
	// transaction tracking; the rollback flags gate the in-error path.
	StartsTx            bool
	CommitsTx           bool
	TxRollback          bool
	TxSavepointRollback bool

	// State side effects applied to the dbview on success.
	SetAliases map[string]string
	SetConfig  map[string]string
}

// RollbackShaped reports whether the unit may run inside an aborted
// transaction.
func (u *QueryUnit) RollbackShaped() bool {
	return u.TxRollback || u.TxSavepointRollback
}

// InterpretedError is a backend error translated into protocol terms.
type InterpretedError struct {
	Code    uint32
	Message string
	Attrs   map[byte]string
}

// Client is the compiler RPC surface the frontend consumes.
type Client interface {
	// Compile compiles a script outside any transaction.
	Compile(ctx context.Context, dbVer int64, query []byte, modAliases, config map[string]string, jsonMode bool, mode StatementMode) ([]*QueryUnit, error)

	// CompileInTx compiles a script inside the open transaction txID.
	CompileInTx(ctx context.Context, txID uint64, query []byte, jsonMode bool, mode StatementMode) ([]*QueryUnit, error)

	// TryCompileRollback parses the leading statement of query as a
	// ROLLBACK or ROLLBACK TO SAVEPOINT and reports how many statements
	// follow it. It fails if the script does not begin with a rollback.
	TryCompileRollback(ctx context.Context, dbVer int64, query []byte) (unit *QueryUnit, numRemain int, err error)

	// CompileGraphQL compiles a graphql document into a single unit whose
	// sole result column is the response JSON.
	CompileGraphQL(ctx context.Context, dbVer int64, query []byte, modAliases, config map[string]string) (*QueryUnit, error)

	// InterpretBackendError maps raw backend error fields onto a protocol
	// error code and attributes.
	InterpretBackendError(ctx context.Context, dbVer int64, fields map[byte]string) (*InterpretedError, error)

	// DecodeSettingValue decodes a config value stored as query-language
	// literal text into its canonical string form.
	DecodeSettingValue(ctx context.Context, name, value string) (string, error)

	Close() error
}
