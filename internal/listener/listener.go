// Package listener implements the Unix domain socket endpoint (spec.md
// §4.1): stale-socket cleanup, ownership/permission setup for the
// holder/caller privilege boundary, a bounded accept loop, and graceful
// shutdown. Structurally this is the teacher's transport.Server
// accept/connection-goroutine loop (see
// go-server-3/internal/transport/server.go) rewritten for net.Listen
// "unix" instead of a raw TCP+WebSocket-upgrade listener, with
// connection admission replacing the WebSocket handshake.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/carapace-gateway/carapace/internal/connection"
	"github.com/carapace-gateway/carapace/internal/metrics"
)

// Config controls the endpoint's socket path and permissions.
type Config struct {
	Path           string
	GroupName      string
	MaxConnections int
}

// Listener owns the Unix socket accept loop.
type Listener struct {
	cfg     Config
	handler *connection.Handler
	logger  *zap.Logger
	metrics *metrics.Registry

	ln net.Listener
	wg sync.WaitGroup

	admitted chan struct{}
}

// New builds a Listener. Start must be called to bind the socket.
func New(cfg Config, handler *connection.Handler, logger *zap.Logger, reg *metrics.Registry) *Listener {
	max := cfg.MaxConnections
	if max <= 0 {
		max = 256
	}
	return &Listener{
		cfg:      cfg,
		handler:  handler,
		logger:   logger,
		metrics:  reg,
		admitted: make(chan struct{}, max),
	}
}

// Start binds the socket: it removes a stale socket file left by a
// previous unclean shutdown, creates the parent directory at mode 0750
// if missing, binds, then chmods the socket 0770 and chowns its group
// to the configured caller-accessible group (spec.md §4.1/§6 — ownership
// is the actual access-control boundary here, not anything in the wire
// protocol).
func (l *Listener) Start(ctx context.Context) error {
	dir := filepath.Dir(l.cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("listener: mkdir %s: %w", dir, err)
	}

	if err := removeStaleSocket(l.cfg.Path); err != nil {
		return err
	}

	ln, err := net.Listen("unix", l.cfg.Path)
	if err != nil {
		return fmt.Errorf("listener: bind %s: %w", l.cfg.Path, err)
	}
	l.ln = ln

	if err := os.Chmod(l.cfg.Path, 0770); err != nil {
		return fmt.Errorf("listener: chmod %s: %w", l.cfg.Path, err)
	}
	if l.cfg.GroupName != "" {
		if err := chownGroup(l.cfg.Path, l.cfg.GroupName); err != nil {
			return fmt.Errorf("listener: chown %s: %w", l.cfg.Path, err)
		}
	}

	l.logger.Info("listener: bound", zap.String("path", l.cfg.Path), zap.String("group", l.cfg.GroupName))

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.acceptLoop(ctx)
	}()

	return nil
}

// Stop closes the listener, waits for in-flight connections to drain,
// and removes the socket file so a subsequent Start does not have to
// treat this shutdown as a stale leftover.
func (l *Listener) Stop() {
	if l.ln != nil {
		_ = l.ln.Close()
	}
	l.wg.Wait()
	_ = os.Remove(l.cfg.Path)
}

func (l *Listener) acceptLoop(ctx context.Context) {
	backoff := 50 * time.Millisecond
	const maxBackoff = 2 * time.Second

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				l.logger.Warn("listener: transient accept error", zap.Error(err), zap.Duration("backoff", backoff))
				time.Sleep(backoff)
				if backoff < maxBackoff {
					backoff *= 2
				}
				continue
			}
			l.logger.Error("listener: accept error", zap.Error(err))
			return
		}
		backoff = 50 * time.Millisecond

		select {
		case l.admitted <- struct{}{}:
		default:
			// at capacity: refuse immediately rather than queue
			// unboundedly (spec.md §5's bounded connection count).
			l.logger.Warn("listener: connection refused, at capacity")
			conn.Close()
			continue
		}

		if l.metrics != nil {
			l.metrics.ActiveConnections.Inc()
		}

		l.wg.Add(1)
		go func(c net.Conn) {
			defer l.wg.Done()
			defer func() {
				<-l.admitted
				if l.metrics != nil {
					l.metrics.ActiveConnections.Dec()
				}
			}()
			l.handler.Serve(ctx, c)
		}(conn)
	}
}

func removeStaleSocket(path string) error {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("listener: stat %s: %w", path, err)
	}

	// A file exists at path. Only a socket is safe to unlink silently;
	// anything else is an operator mistake worth failing loudly on.
	if err := probeStaleSocket(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("listener: remove stale socket %s: %w", path, err)
	}
	return nil
}

func probeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("listener: stat %s: %w", path, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("listener: %s exists and is not a socket, refusing to remove", path)
	}
	// A connect attempt distinguishes a stale socket (nothing listening,
	// ECONNREFUSED) from one another live process still owns.
	conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err == nil {
		conn.Close()
		return fmt.Errorf("listener: %s is already accepting connections from another process", path)
	}
	if !errors.Is(err, syscall.ECONNREFUSED) {
		var nerr net.Error
		if !errors.As(err, &nerr) {
			return fmt.Errorf("listener: probing %s: %w", path, err)
		}
	}
	return nil
}

func chownGroup(path, groupName string) error {
	grp, err := user.LookupGroup(groupName)
	if err != nil {
		return fmt.Errorf("lookup group %s: %w", groupName, err)
	}
	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		return fmt.Errorf("parse gid %s: %w", grp.Gid, err)
	}
	return os.Chown(path, -1, gid)
}
