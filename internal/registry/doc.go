// Package registry owns the set of device sessions and supervises them.
//
// Each session runs in its own goroutine. A session that panics or returns
// without being cancelled or abandoned is restarted from Disconnected after
// a delay, up to a restart limit, after which it is abandoned. Devices whose
// configuration was rejected are registered as abandoned and never run.
package registry
