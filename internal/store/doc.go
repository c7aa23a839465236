// Package store holds the persistence primitives shared by every SQL-backed
// store: the DBTX abstraction over connections and transactions, the common
// sentinel errors, and transaction helpers.
package store
