// panic_recovery.go: Panic recovery helpers for workers and teardown steps
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"fmt"
	"runtime"
)

// withStackRecover returns a panic recovery function that logs panic details
// including the stack trace. Use it with defer at the top of goroutines.
func withStackRecover(logger Logger) func() {
	return func() {
		if r := recover(); r != nil {
			buf := make([]byte, 64<<10)
			n := runtime.Stack(buf, false)
			logger.Error("Panic recovered in goroutine",
				"panic", r,
				"stack", string(buf[:n]))
		}
	}
}

// callSafely runs fn and converts a panic into an error, so a misbehaving
// collaborator cannot stop the remaining lifecycle steps from running.
func callSafely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
