// Package store defines the persistence contracts for scan runs and their
// per-retailer statistics. Implementations live in other packages; this
// package must not import database drivers.
package store
