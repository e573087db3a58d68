/* usbipd - USB/IP server
 *
 * Accept loop and graceful shutdown.
 *
 * Tracks in-flight sessions the way the teacher's usb.go UsbTransport
 * tracks pending requests (rqPending/rqPendingDone), generalized here to a
 * sync.WaitGroup since sessions, unlike IPP requests, don't share a
 * connection pool to drain.
 */

package server

import (
	"context"
	"net"
	"sync"

	"github.com/usbipd-go/usbipd/internal/registry"
	"github.com/usbipd-go/usbipd/internal/urb"
	"github.com/usbipd-go/usbipd/internal/usbiplog"
)

// Server accepts USB/IP connections and runs one urb.Session per
// connection until the context passed to Serve is cancelled or the
// listener fails.
type Server struct {
	ln  net.Listener
	reg *registry.Registry
	log *usbiplog.Logger

	wg sync.WaitGroup
}

// Config is what the server needs to bind its listener.
type Config struct {
	Address      string
	Port         int
	IPV6Enable   bool
	LoopbackOnly bool
}

// New binds a listener per cfg and returns a Server ready to Serve.
func New(cfg Config, reg *registry.Registry, log *usbiplog.Logger) (*Server, error) {
	ln, err := newListener(cfg.Address, cfg.Port, cfg.IPV6Enable, cfg.LoopbackOnly)
	if err != nil {
		return nil, err
	}

	return &Server{ln: ln, reg: reg, log: log}, nil
}

// Addr returns the address the server is actually listening on, useful
// when Port was 0 at bind time.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled or Close is called.
// When ctx is cancelled it blocks until every in-flight session has
// returned, so callers can rely on Serve's nil return meaning no session
// is touching a USB device anymore. After Close, or any other accept
// failure, it returns the accept error without waiting for sessions.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return err
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()

			sess := urb.NewSession(conn, s.reg, s.log)
			if err := sess.Serve(ctx); err != nil {
				s.log.Begin().Error('!', "%s: %s", conn.RemoteAddr(), err).Commit()
			}
		}()
	}
}

// Close closes the listener without waiting for in-flight sessions.
// Prefer cancelling the context passed to Serve for a graceful shutdown.
func (s *Server) Close() error {
	return s.ln.Close()
}
