// Copyright © 2025 Weather Flick <dev@weatherflick.io>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package common

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/pkg/errors"
)

// KindError attaches an ErrorKind to an underlying error. Subsystems wrap at
// the point where the kind is known; everything upstream classifies with
// ClassifyError and never inspects concrete types.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
}

func (e *KindError) Unwrap() error { return e.Err }

// WithKind wraps err with a kind. A nil err returns nil.
func WithKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// KindErrorf builds a new kinded error from a format string.
func KindErrorf(kind ErrorKind, format string, args ...interface{}) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// ClassifyError maps any error onto the closed kind set. Explicit kinds win;
// context and net errors are recognized; everything else is Unknown.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return EErrorKind.Unknown()
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return EErrorKind.Cancelled()
	case errors.Is(err, context.DeadlineExceeded):
		return EErrorKind.Timeout()
	case errors.Is(err, os.ErrDeadlineExceeded):
		return EErrorKind.Timeout()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return EErrorKind.Timeout()
		}
		return EErrorKind.Transport()
	}
	return EErrorKind.Unknown()
}

// Cause walks the error chain to its root, following both pkg/errors causers
// and stdlib wrappers.
func Cause(err error) error {
	for err != nil {
		switch x := err.(type) {
		case interface{ Cause() error }:
			inner := x.Cause()
			if inner == nil {
				return err
			}
			err = inner
		case interface{ Unwrap() error }:
			inner := x.Unwrap()
			if inner == nil {
				return err
			}
			err = inner
		default:
			return err
		}
	}
	return err
}

// PanicIfErr is for programmer errors only, such as marshalling a value that
// is known to be valid.
func PanicIfErr(err error) {
	if err != nil {
		panic(err)
	}
}
