package daemon

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cumulus13/ddf/cache"
	"github.com/cumulus13/ddf/config"
	"github.com/cumulus13/ddf/logger"
	"github.com/cumulus13/ddf/sys"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

var ErrBind = errors.New("cannot bind daemon address")

const connTimeout = 5 * time.Second

// Server is the command daemon.
type Server struct {
	cfg      config.Server
	lock     *Lock
	cache    *cache.Manager
	exec     *Executor
	notifier Notifier
	log      logger.Logger
	sem      *semaphore.Weighted

	mu     sync.Mutex
	ln     net.Listener
	cancel context.CancelFunc
	ready  chan struct{}
	wg     sync.WaitGroup
}

func NewServer(cfg config.Server, mgr *cache.Manager, runner Runner, notifier Notifier, log logger.Logger) *Server {
	log = log.WithPrefix("[daemon]")
	limit := int64(cfg.MaxConcurrent)
	if limit <= 0 {
		limit = config.DefaultMaxConcurrent
	}
	return &Server{
		cfg:      cfg,
		lock:     NewLock(cfg.LockFile),
		cache:    mgr,
		exec:     NewExecutor(runner, notifier, log),
		notifier: notifier,
		log:      log,
		sem:      semaphore.NewWeighted(limit),
		ready:    make(chan struct{}),
	}
}

// Ready is closed once the server accepts connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address, or the configured one before binding.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr()
}

// Stop makes Run return.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Run acquires the lock, binds and serves until ctx is done or Stop is
// called. A lock whose port accepts no connections is stale and reclaimed
// whatever PID it names. The lock is released on every return path.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if !sys.IsLoopbackHost(s.cfg.Host) {
		s.log.Warn("listening on non-loopback address %s; the protocol has no authentication", s.cfg.Host)
	}
	if s.lock.Exists() && !sys.PortOpen(s.cfg.Addr(), dialTimeout) {
		s.log.Info("reclaiming %s: nothing listens on %s", s.lock.Path(), s.cfg.Addr())
		if err := s.lock.Remove(); err != nil {
			return err
		}
	}
	if err := s.lock.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := s.lock.Release(); err != nil {
			s.log.Error("%s", err)
		}
	}()

	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		s.notify(ctx, Notification{Title: "Server Error", Message: "cannot bind " + s.cfg.Addr() + ": " + err.Error(), Level: LevelFailure})
		return errors.Mark(errors.Wrapf(err, "listening on %s", s.cfg.Addr()), ErrBind)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.Info("listening on %s (pid lock %s)", ln.Addr(), s.lock.Path())
	s.notify(ctx, Notification{Title: "Server Started", Message: "ddf daemon listening on " + ln.Addr().String(), Level: LevelInfo})
	close(s.ready)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.log.Warn("accept: %s", err)
			select {
			case <-ctx.Done():
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		s.wg.Add(1)
		go s.handle(ctx, conn)
	}

	s.wg.Wait()
	s.log.Info("stopped")
	return nil
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	defer sys.RecoverPanic(s.log, nil)

	var req Request
	if err := readMessage(conn, connTimeout, &req); err != nil {
		s.log.Debug("bad request from %s: %s", conn.RemoteAddr(), err)
		_ = writeMessage(conn, connTimeout, Ack{Status: StatusError, Error: err.Error()})
		return
	}

	if req.Command == HealthCheckCommand {
		if err := writeMessage(conn, connTimeout, s.Health(ctx)); err != nil {
			s.log.Debug("writing health: %s", err)
		}
		return
	}

	cmd := Command{ID: uuid.NewString(), Args: req.Args, Cwd: req.Cwd}
	if err := writeMessage(conn, connTimeout, Ack{Status: StatusAccepted, ID: cmd.ID}); err != nil {
		s.log.Debug("writing ack: %s", err)
	}
	s.log.Debug("accepted %s: %v in %s", cmd.ID, cmd.Args, cmd.Cwd)

	s.wg.Add(1)
	go s.dispatch(ctx, cmd)
}

func (s *Server) dispatch(ctx context.Context, cmd Command) {
	defer s.wg.Done()
	defer sys.RecoverPanic(s.log, nil)
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.log.Warn("dropping %s: %s", cmd.ID, err)
		return
	}
	defer s.sem.Release(1)
	s.exec.Execute(ctx, cmd)
}

// Health reports the daemon's own view of its state.
func (s *Server) Health(ctx context.Context) Health {
	return Health{
		ServerRunning:  true,
		LockFileExists: s.lock.Exists(),
		PortAvailable:  sys.PortOpen(s.Addr(), dialTimeout),
		CacheAvailable: s.cache.RoundTrip(ctx),
	}
}

func (s *Server) notify(ctx context.Context, n Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.Debug("notification failed: %s", err)
	}
}
