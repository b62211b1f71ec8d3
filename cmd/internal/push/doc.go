// Package push is the notifyd core: it accepts client connections, keeps the
// registry of live sessions, fans notifications out to them and runs the
// periodic auto-send scheduler.
//
// Concurrency model:
//   - one goroutine per session (the only reader of its transport),
//   - one accept loop and one scheduler goroutine per Server,
//   - every write to a session goes through Session.Send, which serialises writers,
//   - the Registry is the only shared map and is guarded by an RWMutex.
package push
