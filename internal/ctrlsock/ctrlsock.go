/* usbipd - USB/IP server
 *
 * Control socket handler
 *
 * Runs a small HTTP server on top of a Unix domain socket, exactly as the
 * teacher's ctrlsock.go does for ipp-usb, but reporting the USB/IP export
 * registry's status instead of per-printer status.
 */

package ctrlsock

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"syscall"

	"github.com/usbipd-go/usbipd/internal/urb"
	"github.com/usbipd-go/usbipd/internal/usbiplog"
	"github.com/usbipd-go/usbipd/internal/wire"
)

// ErrNotRunning is returned by Dial when no usbipd daemon is listening on
// the control socket.
var ErrNotRunning = fmt.Errorf("ctrlsock: usbipd is not running")

// ErrAccess is returned by Dial when the control socket exists but this
// process lacks permission to connect to it.
var ErrAccess = fmt.Errorf("ctrlsock: permission denied")

// Server is the control socket's HTTP server, listening on a Unix socket.
type Server struct {
	addr *net.UnixAddr
	reg  urb.Registry
	log  *usbiplog.Logger
	http http.Server
}

// New creates a control socket server bound to path, reporting reg's
// export status on GET /status.
func New(path string, reg urb.Registry, logger *usbiplog.Logger) *Server {
	s := &Server{
		addr: &net.UnixAddr{Name: path, Net: "unix"},
		reg:  reg,
		log:  logger,
	}
	s.http = http.Server{
		Handler:  http.HandlerFunc(s.handle),
		ErrorLog: log.New(logger.LineWriter(usbiplog.LogError, '!'), "", 0),
	}
	return s
}

// Start begins serving on the control socket in the background. The
// socket is recreated (any stale file from a previous run is removed
// first) and made world-accessible, mirroring the teacher's CtrlsockStart.
func (s *Server) Start() error {
	s.log.Begin().Debug(' ', "ctrlsock: listening at %q", s.addr.Name).Commit()

	os.Remove(s.addr.Name)

	ln, err := net.ListenUnix("unix", s.addr)
	if err != nil {
		return err
	}

	os.Chmod(s.addr.Name, 0777)

	go s.http.Serve(ln)
	return nil
}

// Stop shuts the control socket server down.
func (s *Server) Stop() {
	s.log.Begin().Debug(' ', "ctrlsock: shutdown").Commit()
	s.http.Close()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.log.Begin().Debug(' ', "ctrlsock: %s %s", r.Method, r.URL).Commit()

	if r.Method != http.MethodGet {
		http.Error(w, r.Method+": method not supported", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/status" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	descs, err := s.reg.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(statusOf(descs))
}

// deviceStatus is the JSON shape returned for each exported device.
type deviceStatus struct {
	BusID   string `json:"busid"`
	Vendor  uint16 `json:"vendor"`
	Product uint16 `json:"product"`
	Speed   uint32 `json:"speed"`
}

func statusOf(descs []wire.DeviceDescriptor) []deviceStatus {
	out := make([]deviceStatus, 0, len(descs))
	for _, d := range descs {
		out = append(out, deviceStatus{
			BusID:   d.BusID,
			Vendor:  d.Vendor,
			Product: d.Product,
			Speed:   d.Speed,
		})
	}
	return out
}

// Dial connects to the control socket of a running usbipd daemon.
func Dial(path string) (net.Conn, error) {
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err == nil {
		return conn, nil
	}

	if neterr, ok := err.(*net.OpError); ok {
		if syserr, ok := neterr.Err.(*os.SyscallError); ok {
			switch syserr.Err {
			case syscall.ECONNREFUSED, syscall.ENOENT:
				return conn, ErrNotRunning
			case syscall.EACCES, syscall.EPERM:
				return conn, ErrAccess
			}
		}
	}

	return conn, err
}
