// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the one place a Parley binary is allowed to
// write raw output: fatal entrypoint errors raised before the
// structured logger exists.
package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with code 1. Use it in
// main() for errors returned by run().
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
