// Package mysql is the MySQL backend of the task store. Connections always
// parse DATETIME columns into time.Time values in UTC.
package mysql
