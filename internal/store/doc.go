// Package store defines the backend-neutral persistence vocabulary shared by
// every task store implementation: sentinel errors that callers match with
// errors.Is, a StoreError carrying operation context, and the DBTX
// abstraction that lets SQL backends run against a connection or a
// transaction.
package store
