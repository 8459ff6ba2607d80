package daemon

import (
	"context"
	"net"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cumulus13/ddf/config"
	"github.com/cumulus13/ddf/logger"
	"github.com/cumulus13/ddf/resilience"
)

var ErrNotRunning = errors.New("daemon is not running")

const (
	dialTimeout   = time.Second
	healthTimeout = 5 * time.Second
	sendTimeout   = 5 * time.Second
)

// Client talks to a running daemon.
type Client struct {
	addr  string
	lock  *Lock
	log   logger.Logger
	retry resilience.RetryConfig
}

func NewClient(cfg config.Server, log logger.Logger) *Client {
	return &Client{
		addr: cfg.Addr(),
		lock: NewLock(cfg.LockFile),
		log:  log.WithPrefix("[client]"),
		// a fresh daemon needs about 1.5s to bind
		retry: resilience.RetryConfig{
			MaxRetries:        6,
			InitialBackoff:    250 * time.Millisecond,
			MaxBackoff:        time.Second,
			BackoffMultiplier: 1.5,
			Jitter:            0.1,
		},
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "connecting to %s", c.addr), ErrNotRunning)
	}
	return conn, nil
}

// IsRunning reports whether a daemon accepts connections. A lock file left
// behind by a daemon that does not answer is removed.
func (c *Client) IsRunning(ctx context.Context) bool {
	conn, err := c.dial(ctx)
	if err == nil {
		conn.Close()
		return true
	}
	if c.lock.Exists() {
		c.log.Debug("removing stale lock %s", c.lock.Path())
		if err := c.lock.Remove(); err != nil {
			c.log.Warn("%s", err)
		}
	}
	return false
}

func (c *Client) exchange(ctx context.Context, timeout time.Duration, req Request, resp any) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := writeMessage(conn, timeout, req); err != nil {
		return errors.Wrap(err, "sending request")
	}
	if err := readMessage(conn, timeout, resp); err != nil {
		return errors.Wrap(err, "reading reply")
	}
	return nil
}

// Send submits a command. It returns once the daemon has accepted it.
func (c *Client) Send(ctx context.Context, args []string, cwd string) (Ack, error) {
	var ack Ack
	if err := c.exchange(ctx, sendTimeout, Request{Args: args, Cwd: cwd}, &ack); err != nil {
		return Ack{}, err
	}
	if ack.Status != StatusAccepted {
		return ack, errors.Newf("daemon refused command: %s", ack.Error)
	}
	return ack, nil
}

// HealthCheck asks the daemon for its health report.
func (c *Client) HealthCheck(ctx context.Context) (Health, error) {
	var h Health
	err := c.exchange(ctx, healthTimeout, Request{Command: HealthCheckCommand}, &h)
	return h, err
}

// Forward sends the command to the daemon, starting one with spawn first when
// none is running.
func (c *Client) Forward(ctx context.Context, args []string, cwd string, spawn func() error) (Ack, error) {
	if c.IsRunning(ctx) {
		return c.Send(ctx, args, cwd)
	}
	c.log.Debug("no daemon on %s, starting one", c.addr)
	if err := spawn(); err != nil {
		return Ack{}, errors.Wrap(err, "starting daemon")
	}
	var ack Ack
	err := resilience.Retry(ctx, c.retry, func() error {
		var err error
		ack, err = c.Send(ctx, args, cwd)
		return err
	})
	return ack, err
}
