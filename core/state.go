package core

// ConnectionState is the lifecycle state of a Session.
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosing    ConnectionState = "closing"
	StateClosed     ConnectionState = "closed"
	StateFaulted    ConnectionState = "faulted"
)

// Status is a point-in-time view of a Session.
type Status struct {
	State            ConnectionState
	ClientID         string
	ConnectionStatus string
	// Generation counts successful connects.
	Generation uint64
	// Reconnects counts reconnects started by the session itself.
	Reconnects int64
	// Misses is the current run of unanswered heartbeats.
	Misses int32
	// Activities is the number of per-connection goroutines running.
	Activities int32
}
