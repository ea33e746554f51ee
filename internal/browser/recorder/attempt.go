package recorder

import (
	"fmt"

	"github.com/xkilldash9x/scalpel-render/api/schemas"
)

// attempt runs fn for one optional datum. On error or panic the datum becomes
// a placeholder and a warning is appended. r.mu must be held.
func attempt[T any](r *Recorder, what string, fn func() (T, error)) (out schemas.Captured[T]) {
	defer func() {
		if p := recover(); p != nil {
			msg := fmt.Sprintf("Could not retrieve %s: %v", what, p)
			r.appendLogLocked(schemas.LogWarning, msg)
			out = schemas.Missing[T](msg)
		}
	}()

	v, err := fn()
	if err != nil {
		msg := fmt.Sprintf("Could not retrieve %s: %v", what, err)
		r.appendLogLocked(schemas.LogWarning, msg)
		return schemas.Missing[T](msg)
	}
	return schemas.Got(v)
}

// Capture is attempt for session-level data such as cookies or screenshots.
// fn runs without the recorder lock held so a slow browser call never stalls
// event handling.
func Capture[T any](r *Recorder, what string, fn func() (T, error)) schemas.Captured[T] {
	var (
		v   T
		err error
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("%v", p)
			}
		}()
		v, err = fn()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()
	return attempt(r, what, func() (T, error) { return v, err })
}
