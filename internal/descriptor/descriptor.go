// Package descriptor defines the binary type-description encoding shared
// between the compiler and clients. The frontend transmits descriptor blobs
// opaquely; this package holds the element tags, the well-known type IDs,
// and a structural validator used by tests and tooling.
package descriptor

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
)

// Element tags.
const (
	TagSet        byte = 0
	TagShape      byte = 1
	TagBaseScalar byte = 2
	TagScalar     byte = 3
	TagTuple      byte = 4
	TagNamedTuple byte = 5
	TagArray      byte = 6
	TagEnum       byte = 7

	// Annotations occupy 0xF0..0xFF; clients must skip unknown ones.
	TagAnnotationLo byte = 0xF0
	TagAnnotationHi byte = 0xFF
)

// Shape element flag bits.
const (
	ShapeFlagImplicit     = 1 << 0
	ShapeFlagLinkProperty = 1 << 1
	ShapeFlagLink         = 1 << 2
)

// Well-known type IDs: an all-zero UUID with a distinguishing last byte.
var (
	IDAnyType    = wellKnown(0x01)
	IDAnyTuple   = wellKnown(0x02)
	IDStdModule  = wellKnown(0xF0)
	IDEmptyTuple = wellKnown(0xFF)
)

func wellKnown(last byte) uuid.UUID {
	var id uuid.UUID
	id[15] = last
	return id
}

var ErrTruncated = errors.New("descriptor: truncated data")

// Validate walks a descriptor blob and checks its framing. It does not
// resolve element positions.
func Validate(data []byte) error {
	pos := 0
	need := func(n int) error {
		if pos+n > len(data) {
			return ErrTruncated
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
	// str is u32-length-prefixed; shortStr is the u8-prefixed form used for
	// shape element names.
	str := func() error {
		if err := need(4); err != nil {
			return err
		}
		n := int(binary.BigEndian.Uint32(data[pos:]))
		pos += 4
		if err := need(n); err != nil {
			return err
		}
		pos += n
		return nil
	}
	shortStr := func() error {
		if err := need(1); err != nil {
			return err
		}
		n := int(data[pos])
		pos++
		if err := need(n); err != nil {
			return err
		}
		pos += n
		return nil
	}

	for pos < len(data) {
		tag := data[pos]
		pos++
		if err := need(16); err != nil {
			return err
		}
		pos += 16

		switch {
		case tag == TagSet, tag == TagScalar:
			if _, err := u16(); err != nil {
				return err
			}
		case tag == TagShape:
			n, err := u16()
			if err != nil {
				return err
			}
			for i := 0; i < n; i++ {
				if err := need(1); err != nil {
					return err
				}
				pos++
				if err := shortStr(); err != nil {
					return err
				}
				if _, err := u16(); err != nil {
					return err
				}
			}
		case tag == TagBaseScalar:
			// uuid only
		case tag == TagTuple:
			n, err := u16()
			if err != nil {
				return err
			}
			for i := 0; i < n; i++ {
				if _, err := u16(); err != nil {
					return err
				}
			}
		case tag == TagNamedTuple:
			n, err := u16()
			if err != nil {
				return err
			}
			for i := 0; i < n; i++ {
				if err := str(); err != nil {
					return err
				}
				if _, err := u16(); err != nil {
					return err
				}
			}
		case tag == TagArray:
			if _, err := u16(); err != nil {
				return err
			}
			ndims, err := u16()
			if err != nil {
				return err
			}
			if err := need(4 * ndims); err != nil {
				return err
			}
			pos += 4 * ndims
		case tag == TagEnum:
			n, err := u16()
			if err != nil {
				return err
			}
			for i := 0; i < n; i++ {
				if err := str(); err != nil {
					return err
				}
			}
		case tag >= TagAnnotationLo:
			if err := str(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("descriptor: unknown tag 0x%02x", tag)
		}
	}
	return nil
}
