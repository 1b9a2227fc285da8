// Package sqlstore implements the task store on database/sql. The SQL is
// shared between backends; a Dialect supplies bind parameter syntax and
// maps driver errors onto the store package's error vocabulary.
//
// Conditional updates compare the version column in the WHERE clause, so
// a write succeeds only against the exact document the writer read.
package sqlstore
