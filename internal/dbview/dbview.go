// Package dbview holds the per-connection database view: logical
// transaction state, module aliases, session config, and the compiled
// query cache. A view is owned by exactly one connection and is not
// safe for concurrent use.
package dbview

import (
	"errors"
	"sync/atomic"

	"github.com/quilldata/quill/internal/compiler"
)

// ErrTxAborted is returned when a non-rollback unit is started while the
// current transaction is in the error state.
var ErrTxAborted = errors.New(
	"current transaction is aborted, commands ignored until end of transaction block")

// DefaultModule is the module bound to the empty alias on a fresh view.
const DefaultModule = "default"

var txIDCounter uint64

// View bundles the session state the compiler and the protocol frontend
// agree on.
type View struct {
	dbName string
	user   string
	dbVer  int64

	modAliases map[string]string
	config     map[string]string

	// Snapshot of aliases/config taken when a transaction opens, so a
	// plain rollback can restore the pre-transaction state without a
	// round trip to the backing tables.
	baseAliases map[string]string
	baseConfig  map[string]string

	txID      uint64
	inTx      bool
	inTxError bool

	cache *queryCache
}

// New creates a view for (database, user) at the given schema version.
func New(dbName, user string, dbVer int64, cacheSize int) *View {
	return &View{
		dbName:     dbName,
		user:       user,
		dbVer:      dbVer,
		modAliases: map[string]string{"": DefaultModule},
		config:     map[string]string{},
		cache:      newQueryCache(cacheSize),
	}
}

func (v *View) DBName() string { return v.dbName }
func (v *View) User() string   { return v.user }
func (v *View) DBVer() int64   { return v.dbVer }

// DefaultModuleAlias returns the module currently bound to the empty alias.
func (v *View) DefaultModuleAlias() string {
	return v.modAliases[""]
}

// ModAliases returns the live alias map. Callers must not retain it across
// transaction boundaries.
func (v *View) ModAliases() map[string]string { return v.modAliases }

// Config returns the live session config map.
func (v *View) Config() map[string]string { return v.config }

func (v *View) InTx() bool      { return v.inTx }
func (v *View) InTxError() bool { return v.inTxError }
func (v *View) TxID() uint64    { return v.txID }

// TxError marks the open transaction as failed. Outside a transaction it
// is a no-op.
func (v *View) TxError() {
	if v.inTx {
		v.inTxError = true
	}
}

// Start validates and applies the transaction-entry effects of a unit
// before it touches the backend.
func (v *View) Start(unit *compiler.QueryUnit) error {
	if v.inTxError && !unit.RollbackShaped() {
		return ErrTxAborted
	}
	if unit.StartsTx && !v.inTx {
		v.baseAliases = cloneMap(v.modAliases)
		v.baseConfig = cloneMap(v.config)
		v.inTx = true
		v.txID = atomic.AddUint64(&txIDCounter, 1)
	}
	return nil
}

// OnSuccess applies a unit's state side effects after the backend ran it.
func (v *View) OnSuccess(unit *compiler.QueryUnit) {
	for k, val := range unit.SetAliases {
		v.modAliases[k] = val
	}
	for k, val := range unit.SetConfig {
		v.config[k] = val
	}

	switch {
	case unit.CommitsTx:
		v.closeTx()
	case unit.TxRollback:
		if v.baseAliases != nil {
			v.modAliases = v.baseAliases
			v.config = v.baseConfig
		}
		v.closeTx()
	case unit.TxSavepointRollback:
		// Alias/config state is reconstructed from the backing tables by
		// the recovery pass that follows.
		v.inTxError = false
	}
}

// OnError records a failed unit.
func (v *View) OnError(unit *compiler.QueryUnit) {
	_ = unit
	v.TxError()
}

// AbortTx force-closes the logical transaction, restoring the
// pre-transaction alias/config snapshot.
func (v *View) AbortTx() {
	if v.baseAliases != nil {
		v.modAliases = v.baseAliases
		v.config = v.baseConfig
	}
	v.closeTx()
}

func (v *View) closeTx() {
	v.inTx = false
	v.inTxError = false
	v.txID = 0
	v.baseAliases = nil
	v.baseConfig = nil
}

// RollbackTxToSavepoint installs state recovered from the backing tables
// after a savepoint rollback; the transaction stays open.
func (v *View) RollbackTxToSavepoint(spID int64, aliases, config map[string]string) {
	_ = spID
	v.modAliases = withDefaultModule(aliases)
	v.config = config
	v.inTxError = false
}

// RecoverAliasesAndConfig installs state recovered from the backing tables
// outside a transaction.
func (v *View) RecoverAliasesAndConfig(aliases, config map[string]string) {
	v.modAliases = withDefaultModule(aliases)
	v.config = config
	v.closeTx()
}

// LookupCompiledQuery consults the compiled-query cache.
func (v *View) LookupCompiledQuery(query []byte, jsonMode bool) (*compiler.QueryUnit, bool) {
	return v.cache.lookup(query, jsonMode)
}

// CacheCompiledQuery stores a unit that was successfully prepared on the
// backend.
func (v *View) CacheCompiledQuery(query []byte, jsonMode bool, unit *compiler.QueryUnit) {
	v.cache.add(query, jsonMode, unit)
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func withDefaultModule(aliases map[string]string) map[string]string {
	if aliases == nil {
		aliases = map[string]string{}
	}
	if _, ok := aliases[""]; !ok {
		aliases[""] = DefaultModule
	}
	return aliases
}
