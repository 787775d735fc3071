package backend

import (
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5/pgproto3"
)

// Error field keys, as used on the SQL wire.
const (
	fieldSeverity         byte = 'S'
	fieldCode             byte = 'C'
	fieldMessage          byte = 'M'
	fieldDetail           byte = 'D'
	fieldHint             byte = 'H'
	fieldPosition         byte = 'P'
	fieldInternalPosition byte = 'p'
	fieldInternalQuery    byte = 'q'
	fieldWhere            byte = 'W'
	fieldSchema           byte = 's'
	fieldTable            byte = 't'
	fieldColumn           byte = 'c'
	fieldDataType         byte = 'd'
	fieldConstraint       byte = 'n'
	fieldFile             byte = 'F'
	fieldLine             byte = 'L'
	fieldRoutine          byte = 'R'
)

// PGError is an error reported by the SQL backend. The raw fields are kept
// so the compiler can interpret them with schema context.
type PGError struct {
	Fields map[byte]string
}

func (e *PGError) Error() string {
	if msg, ok := e.Fields[fieldMessage]; ok {
		return msg
	}
	return "backend error"
}

// Code returns the SQLSTATE code.
func (e *PGError) Code() string {
	return e.Fields[fieldCode]
}

// AsPGError unwraps err into a *PGError if it is one.
func AsPGError(err error) (*PGError, bool) {
	var pgErr *PGError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func newPGError(m *pgproto3.ErrorResponse) *PGError {
	fields := map[byte]string{}
	set := func(k byte, v string) {
		if v != "" {
			fields[k] = v
		}
	}
	set(fieldSeverity, m.Severity)
	set(fieldCode, m.Code)
	set(fieldMessage, m.Message)
	set(fieldDetail, m.Detail)
	set(fieldHint, m.Hint)
	if m.Position != 0 {
		fields[fieldPosition] = strconv.Itoa(int(m.Position))
	}
	if m.InternalPosition != 0 {
		fields[fieldInternalPosition] = strconv.Itoa(int(m.InternalPosition))
	}
	set(fieldInternalQuery, m.InternalQuery)
	set(fieldWhere, m.Where)
	set(fieldSchema, m.SchemaName)
	set(fieldTable, m.TableName)
	set(fieldColumn, m.ColumnName)
	set(fieldDataType, m.DataTypeName)
	set(fieldConstraint, m.ConstraintName)
	set(fieldFile, m.File)
	if m.Line != 0 {
		fields[fieldLine] = strconv.Itoa(int(m.Line))
	}
	set(fieldRoutine, m.Routine)
	for k, v := range m.UnknownFields {
		fields[k] = v
	}
	return &PGError{Fields: fields}
}
