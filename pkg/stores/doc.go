// Package stores provides the SQLite run log for froyo-play.
//
// A run log keeps one row per plan run, the append-only outcomes recorded
// for every task on every host, free-form run events, and the most recent
// facts gathered from each host. Schema changes are shipped as embedded
// golang-migrate migrations.
package stores
