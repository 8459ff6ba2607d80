// Package daemon implements the single-instance background process that
// executes mutating ddf invocations on behalf of short-lived CLI processes.
//
// A CLI process that decides to forward (see ShouldForward) sends its
// arguments and working directory as one JSON object over a loopback TCP
// connection and gets {"status":"accepted"} back before the command runs.
// The daemon executes each accepted command in its own goroutine, captures
// its output and reports the outcome through a Notifier. A lock file holding
// the daemon's PID keeps a second daemon from starting.
//
// Wire format, one request and one response per connection:
//
//	-> {"args": ["--remove-service", "web"], "cwd": "/srv/app"}
//	<- {"status": "accepted", "id": "6f1c..."}
//
//	-> {"command": "health_check"}
//	<- {"server_running": true, "lock_file_exists": true,
//	    "port_available": true, "cache_available": true}
package daemon
