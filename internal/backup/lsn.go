package backup

import (
	"database/sql/driver"
	"fmt"
	"math/big"
	"strings"
)

// LSN is a log sequence number as stored in msdb (numeric(25,0)).
// Values routinely exceed the int64 range, so they are held as big integers.
// The zero value is LSN 0. LSN values are immutable.
type LSN struct {
	n *big.Int
}

var bigOne = big.NewInt(1)

// NewLSN returns an LSN from an int64. Convenient for tests and small values.
func NewLSN(v int64) LSN {
	return LSN{n: big.NewInt(v)}
}

// ParseLSN parses a base-10 LSN. A trailing ".0…" fraction (as some drivers
// render numeric columns) is accepted.
func ParseLSN(s string) (LSN, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		if strings.Trim(s[i+1:], "0") != "" {
			return LSN{}, fmt.Errorf("lsn %q has a fractional part", s)
		}
		s = s[:i]
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return LSN{}, fmt.Errorf("invalid lsn %q", s)
	}
	if n.Sign() < 0 {
		return LSN{}, fmt.Errorf("negative lsn %q", s)
	}
	return LSN{n: n}, nil
}

// MustParseLSN is ParseLSN that panics on error.
func MustParseLSN(s string) LSN {
	l, err := ParseLSN(s)
	if err != nil {
		panic(err)
	}
	return l
}

func (l LSN) big() *big.Int {
	if l.n == nil {
		return new(big.Int)
	}
	return l.n
}

// Cmp compares l and o, returning -1, 0 or +1.
func (l LSN) Cmp(o LSN) int {
	return l.big().Cmp(o.big())
}

// Equal reports whether l == o.
func (l LSN) Equal(o LSN) bool { return l.Cmp(o) == 0 }

// Less reports whether l < o.
func (l LSN) Less(o LSN) bool { return l.Cmp(o) < 0 }

// Next returns l + 1.
func (l LSN) Next() LSN {
	return LSN{n: new(big.Int).Add(l.big(), bigOne)}
}

// IsZero reports whether l is 0.
func (l LSN) IsZero() bool { return l.big().Sign() == 0 }

func (l LSN) String() string {
	return l.big().String()
}

// MaxLSN returns the largest of the given values, or the zero LSN.
func MaxLSN(values ...LSN) LSN {
	var m LSN
	for _, v := range values {
		if m.Less(v) {
			m = v
		}
	}
	return m
}

// Scan implements sql.Scanner. go-mssqldb returns numeric columns as []byte.
func (l *LSN) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = LSN{}
		return nil
	case []byte:
		p, err := ParseLSN(string(v))
		if err != nil {
			return err
		}
		*l = p
		return nil
	case string:
		p, err := ParseLSN(v)
		if err != nil {
			return err
		}
		*l = p
		return nil
	case int64:
		if v < 0 {
			return fmt.Errorf("negative lsn %d", v)
		}
		*l = NewLSN(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into LSN", src)
	}
}

// Value implements driver.Valuer. The decimal string keeps full precision.
func (l LSN) Value() (driver.Value, error) {
	return l.String(), nil
}

// MarshalText implements encoding.TextMarshaler (used by JSON and YAML).
func (l LSN) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *LSN) UnmarshalText(text []byte) error {
	p, err := ParseLSN(string(text))
	if err != nil {
		return err
	}
	*l = p
	return nil
}
