package backend

import (
	"encoding/binary"
	"errors"

	"github.com/jackc/pgx/v5/pgproto3"
)

var errBadBindBlock = errors.New("malformed bind data block")

// decodeBindBlock splits a recoded bind block (format codes, parameter
// count, parameters, result format codes) into a Bind message.
func decodeBindBlock(data []byte) (*pgproto3.Bind, error) {
	pos := 0
	need := func(n int) error {
		if pos+n > len(data) {
			return errBadBindBlock
		}
		return nil
	}
	u16 := func() (int, error) {
		if err := need(2); err != nil {
			return 0, err
		}
		v := int(binary.BigEndian.Uint16(data[pos:]))
		pos += 2
		return v, nil
	}

	bind := &pgproto3.Bind{}

	nfmt, err := u16()
	if err != nil {
		return nil, err
	}
	for i := 0; i < nfmt; i++ {
		f, err := u16()
		if err != nil {
			return nil, err
		}
		bind.ParameterFormatCodes = append(bind.ParameterFormatCodes, int16(f))
	}

	nparams, err := u16()
	if err != nil {
		return nil, err
	}
	bind.Parameters = make([][]byte, nparams)
	for i := 0; i < nparams; i++ {
		if err := need(4); err != nil {
			return nil, err
		}
		l := int32(binary.BigEndian.Uint32(data[pos:]))
		pos += 4
		if l == -1 {
			continue
		}
		if l < 0 || pos+int(l) > len(data) {
			return nil, errBadBindBlock
		}
		bind.Parameters[i] = data[pos : pos+int(l)]
		pos += int(l)
	}

	nres, err := u16()
	if err != nil {
		return nil, err
	}
	for i := 0; i < nres; i++ {
		f, err := u16()
		if err != nil {
			return nil, err
		}
		bind.ResultFormatCodes = append(bind.ResultFormatCodes, int16(f))
	}

	if pos != len(data) {
		return nil, errBadBindBlock
	}
	return bind, nil
}
