package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// New builds an error from a format string.
func New(format string, args ...any) error {
	if len(args) == 0 {
		return errors.New(format)
	}
	return errors.Errorf(format, args...)
}

// Wrap attaches a stack trace to err (nil-safe).
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(err)
}

// WrapMsg annotates err with msg and optional key/value pairs.
func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	if len(kv) > 0 {
		msg = msg + " " + kvString(kv)
	}
	return errors.Wrap(err, msg)
}

func Is(err, target error) bool { return errors.Is(err, target) }

func kvString(kv []any) string {
	s := ""
	for i := 0; i+1 < len(kv); i += 2 {
		if s != "" {
			s += ", "
		}
		s += fmt.Sprintf("%v=%v", kv[i], kv[i+1])
	}
	return s
}
