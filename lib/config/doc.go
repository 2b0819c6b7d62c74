// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads bridge configuration from a single YAML file.
//
// The file is named by the PARLEY_CONFIG environment variable or the
// --config flag. There are no fallbacks and no automatic discovery;
// configuration is deterministic and auditable, with no hidden
// overrides.
//
// The file may carry environment-specific sections (development,
// staging, production) whose values override the base configuration
// when the environment matches.
package config
