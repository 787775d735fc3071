package frontend

import (
	"encoding/binary"
	"math"
)

// recodeBindArgs rewrites the client's bind block into the form the SQL
// backend expects: a single binary format code for all parameters, the
// argument count as a 16-bit integer, the argument payload verbatim, and
// a single binary result-column format code.
func recodeBindArgs(bindArgs []byte) ([]byte, error) {
	if len(bindArgs) < 8 {
		return nil, binaryProtocolError("malformed bind arguments block")
	}

	// Leading u32 length is discarded; the u32 argument count follows.
	argsNum := binary.BigEndian.Uint32(bindArgs[4:8])
	if argsNum > math.MaxUint16 {
		return nil, binaryProtocolError("too many bind arguments: %d", argsNum)
	}

	out := make([]byte, 0, len(bindArgs)+2)
	out = append(out, 0x00, 0x01, 0x00, 0x01)
	out = append(out, byte(argsNum>>8), byte(argsNum))
	out = append(out, bindArgs[8:]...)
	out = append(out, 0x00, 0x01, 0x00, 0x01)
	return out, nil
}
