// Package stores provides the configuration and audit log store for FortiFleet.
// It keeps registered targets and a capped, insertion-ordered audit trail in
// SQLite with WAL mode and embedded migrations.
package stores
