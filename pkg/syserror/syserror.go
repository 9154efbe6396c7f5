// Copyright 2026 The Vesper Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package syserror contains the status values returned by the blocking
// synchronization core, exported as error interface values. This allows for
// fast comparison when the comparand or return value is of type error,
// because there is no need to convert from an errno to an interface.
package syserror

import (
	"errors"

	"golang.org/x/sys/unix"
)

var (
	// ErrInvalidArgs is returned for malformed requests: a misaligned or
	// null futex address, a wake and requeue address that alias, or an
	// owner that resolves to the calling thread, a thread in another
	// process, or a thread already waiting on the target futex.
	ErrInvalidArgs = errors.New("invalid arguments")

	// ErrBadState is returned when the value at a futex address did not
	// match the expected value at enqueue time.
	ErrBadState = errors.New("futex value mismatch")

	// ErrTimedOut is returned when a wait's deadline elapsed and the
	// waiter was still queued when it went back to remove itself.
	ErrTimedOut = errors.New("deadline elapsed")

	// ErrInterrupted is returned when a wait is torn down because the
	// waiting thread was killed or suspended.
	ErrInterrupted = errors.New("wait was interrupted")
)

// errorMap is the map used to convert status errors into errnos for the
// syscall boundary.
var errorMap = map[error]unix.Errno{}

// AddErrorTranslation allows packages to populate the error map by adding
// their own translations during initialization. Returns whether the
// translation was accepted. A pre-existing translation will not be
// overwritten by the new translation.
func AddErrorTranslation(from error, to unix.Errno) bool {
	if _, ok := errorMap[from]; ok {
		return false
	}

	errorMap[from] = to
	return true
}

// TranslateError translates a status error to an errno. It returns false if
// the error was not registered.
func TranslateError(from error) (unix.Errno, bool) {
	err, ok := errorMap[from]
	return err, ok
}

// ConvertInterrupted converts err to intr if err indicates an interrupted
// wait, and returns it unchanged otherwise. Syscall layers use this to remap
// an interruption to whatever their restart protocol requires.
func ConvertInterrupted(err, intr error) error {
	if err == ErrInterrupted {
		return intr
	}
	return err
}

func init() {
	AddErrorTranslation(ErrInvalidArgs, unix.EINVAL)
	AddErrorTranslation(ErrBadState, unix.EAGAIN)
	AddErrorTranslation(ErrTimedOut, unix.ETIMEDOUT)
	AddErrorTranslation(ErrInterrupted, unix.EINTR)
}
