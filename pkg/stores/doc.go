// Package stores keeps the provisioning run history in SQLite. Each run
// and every step it executed are recorded so `hostprep history` can show
// what changed on a host and why a run failed. The schema is created with
// embedded golang-migrate migrations.
package stores
