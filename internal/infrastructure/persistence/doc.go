// Package persistence provides database repository implementations.
// It uses GORM over SQLite to track installed packages, their files and
// dependency edges, version holds and the signing keyring. The package
// includes validation and logging for traceability and error handling.
package persistence
