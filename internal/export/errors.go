package export

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by stores when the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrNoRecords marks a unit whose extraction returned zero rows.
var ErrNoRecords = errors.New("unit produced no records")

// Unit execution stages reported by UnitError.
const (
	StageExtract = "extract"
	StagePersist = "persist"
)

// UnitError wraps a failure of a single unit attempt.
type UnitError struct {
	Unit  int
	Stage string
	Err   error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("unit %d %s: %v", e.Unit, e.Stage, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

// Trace renders the wrap chain of err, outermost first, one layer per line.
func Trace(err error) string {
	if err == nil {
		return ""
	}
	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%T: %s", e, e.Error())
	}
	return b.String()
}
