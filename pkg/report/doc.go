// Package report renders and ships run reports: a terminal printer with a
// recap, a JSON document, a live NDJSON event stream and an S3 archive.
package report
