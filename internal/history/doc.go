// Package history keeps a local SQLite record of every value the bridge
// publishes, so recent readings survive broker outages and can be served
// over the HTTP API.
//
// Rows live in the value_history table created by the embedded migrations.
// The bridge prunes rows older than the configured retention every hour.
package history
