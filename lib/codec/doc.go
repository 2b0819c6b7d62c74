// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the module's standard CBOR encoding.
//
// Archived conversation transcripts are stored as CBOR rather than
// JSON: deterministic encoding (RFC 8949 §4.2 core deterministic
// profile) means the same transcript always produces identical bytes,
// which keeps archive rows stable and diffable, and the binary format
// is roughly a third smaller before compression.
//
// Decoding ignores unknown fields for forward compatibility, so old
// bridges can read archives written by newer ones.
package codec
