// Package ir provides the foundational data types of the lofi engine.
//
// This package contains value and record definitions only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float values anywhere - numbers are int64, timestamps are Unix milliseconds
//   - Attribute maps are always copied across package boundaries (Entity.Clone)
//   - Equality between values is canonical-JSON equality (RFC 8785), never identity
//   - Outbox ordering uses the client-scoped seq counter, never wall-clock time
package ir
