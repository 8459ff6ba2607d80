package daemon

import (
	"encoding/json"
	"io"
	"net"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	// HealthCheckCommand is the only named request.
	HealthCheckCommand = "health_check"
	// MaxMessageSize bounds a single request.
	MaxMessageSize = 8192

	StatusAccepted = "accepted"
	StatusError    = "error"
)

// Request is what a client sends. Command is set for health checks; anything
// else is a command to execute.
type Request struct {
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Cwd     string   `json:"cwd,omitempty"`
}

// Ack is the reply to a command request.
type Ack struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Health is the reply to a health check.
type Health struct {
	ServerRunning  bool `json:"server_running"`
	LockFileExists bool `json:"lock_file_exists"`
	PortAvailable  bool `json:"port_available"`
	CacheAvailable bool `json:"cache_available"`
}

// OK reports whether every check passed.
func (h Health) OK() bool {
	return h.ServerRunning && h.LockFileExists && h.PortAvailable && h.CacheAvailable
}

// Command is a request accepted for execution.
type Command struct {
	ID   string
	Args []string
	Cwd  string
}

func readMessage(conn net.Conn, timeout time.Duration, v any) error {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if err := json.NewDecoder(io.LimitReader(conn, MaxMessageSize)).Decode(v); err != nil {
		return errors.Wrap(err, "decoding message")
	}
	return nil
}

func writeMessage(conn net.Conn, timeout time.Duration, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encoding message")
	}
	_, err = conn.Write(buf)
	return err
}
