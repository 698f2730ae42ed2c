// Package domain defines the contracts shared by the relay's packages.
//
// Concept-oriented files (conn.go, broker.go, errors.go) hold types and
// consumer-side interfaces only. No implementation code lives here, which
// keeps the adapters and the core free of circular imports.
package domain
