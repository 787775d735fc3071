package frontend

import (
	"context"
	"errors"
	"fmt"

	"github.com/quilldata/quill/internal/backend"
	"github.com/quilldata/quill/internal/compiler"
	"github.com/quilldata/quill/internal/dbview"
	"github.com/quilldata/quill/internal/wire"
)

// ProtocolError is an error with a protocol-visible code, written to the
// client as an ErrorResponse.
type ProtocolError struct {
	Code  uint32
	Msg   string
	Attrs map[byte]string
}

func (e *ProtocolError) Error() string {
	return e.Msg
}

func binaryProtocolError(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Code: wire.CodeBinaryProtocolError, Msg: fmt.Sprintf(format, args...)}
}

func unsupportedFeatureError(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Code: wire.CodeUnsupportedFeatureError, Msg: fmt.Sprintf(format, args...)}
}

func transactionError(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Code: wire.CodeTransactionError, Msg: fmt.Sprintf(format, args...)}
}

func internalError(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Code: wire.CodeInternalServerError, Msg: fmt.Sprintf(format, args...)}
}

// transportError marks failures of the client transport itself. They are
// never written back to the client; the connection is simply torn down.
type transportError struct {
	err error
}

func (e *transportError) Error() string {
	return e.err.Error()
}

func (e *transportError) Unwrap() error {
	return e.err
}

func isFatal(err error) bool {
	var te *transportError
	return errors.As(err, &te) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// writeError translates err into an ErrorResponse on the write buffer.
// Backend errors are handed to the compiler for interpretation first; if
// interpretation itself fails, a generic internal error is substituted.
func (c *Conn) writeError(ctx context.Context, err error) {
	code := wire.CodeInternalServerError
	msg := err.Error()
	var attrs map[byte]string

	var protoErr *ProtocolError
	var compErr *compiler.Error

	switch {
	case errors.As(err, &protoErr):
		code = protoErr.Code
		msg = protoErr.Msg
		attrs = protoErr.Attrs

	case errors.As(err, &compErr):
		code = compErr.Code
		msg = compErr.Message

	case errors.Is(err, dbview.ErrTxAborted):
		code = wire.CodeTransactionError
		msg = dbview.ErrTxAborted.Error()

	default:
		if pgErr, ok := backend.AsPGError(err); ok && c.backend != nil {
			interp, ierr := c.backend.Compiler.InterpretBackendError(
				ctx, c.view.DBVer(), pgErr.Fields)
			if ierr != nil {
				c.log.Error("interpreting backend error failed", "err", ierr)
				code = wire.CodeInternalServerError
				msg = pgErr.Error()
			} else {
				code = interp.Code
				msg = interp.Message
				attrs = interp.Attrs
			}
		}
	}

	c.wbuf.NewMessage(wire.MsgErrorResponse).
		WriteUint32(code).
		WriteUTF8(msg)
	for k, v := range attrs {
		c.wbuf.WriteByte(k).WriteUTF8(v)
	}
	c.wbuf.WriteByte(0).EndMessage()
}

// recoverFromError discards client messages until a Sync arrives, then
// handles it. This is the resynchronization path for errors raised by
// handlers without implicit-sync semantics.
func (c *Conn) recoverFromError(ctx context.Context) error {
	for {
		if !c.rbuf.TakeMessage() {
			if err := c.readMore(ctx); err != nil {
				return err
			}
			continue
		}
		if c.rbuf.MessageType() == wire.MsgSync {
			return c.handleSync(ctx)
		}
		c.rbuf.DiscardMessage()
	}
}
