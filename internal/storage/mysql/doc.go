// Package mysql provides repositories backed by MySQL. It encapsulates schema
// migrations and typed queries for the deployment record and the swap
// history, plus a file-backed swap history for single-node installs.
package mysql
