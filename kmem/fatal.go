package kmem

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Conditions that stop the kernel. They are reported by panicking with a
// *Fatal; nothing in this package tries to continue after one.
var (
	ErrTooLarge   = errors.New("request above the largest size class")
	ErrExhausted  = errors.New("heap exhausted")
	ErrBadPointer = errors.New("pointer is not a live allocation")
	ErrNoMemory   = errors.New("backend has no physical memory")
	ErrCorrupt    = errors.New("free list corrupted")
)

// Fatal is the panic value for unrecoverable heap conditions.
type Fatal struct {
	Op  string
	Err error
}

func (f *Fatal) Error() string {
	return fmt.Sprintf("kmem: %s: %v", f.Op, f.Err)
}

func (f *Fatal) Unwrap() error { return f.Err }

// halt logs err and panics. It never returns.
func halt(log *zap.Logger, op string, err error) {
	log.Error("fatal", zap.String("op", op), zap.Error(err))
	panic(&Fatal{Op: op, Err: err})
}
