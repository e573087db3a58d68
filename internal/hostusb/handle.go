package hostusb

import (
	"fmt"
	"sync"

	"github.com/google/gousb"
)

// claimedIface tracks one claimed interface and its currently active
// alternate setting, plus lazily resolved endpoint objects. gousb requires
// an Interface object to obtain endpoint handles, so we keep it around for
// the interface's lifetime on this connection.
type claimedIface struct {
	iface *gousb.Interface
	alt   int

	in  map[int]*gousb.InEndpoint
	out map[int]*gousb.OutEndpoint
}

func (ci *claimedIface) inEndpoint(addr int) (*gousb.InEndpoint, error) {
	if ep, ok := ci.in[addr]; ok {
		return ep, nil
	}
	ep, err := ci.iface.InEndpoint(addr)
	if err != nil {
		return nil, err
	}
	ci.in[addr] = ep
	return ep, nil
}

func (ci *claimedIface) outEndpoint(addr int) (*gousb.OutEndpoint, error) {
	if ep, ok := ci.out[addr]; ok {
		return ep, nil
	}
	ep, err := ci.iface.OutEndpoint(addr)
	if err != nil {
		return nil, err
	}
	ci.out[addr] = ep
	return ep, nil
}

// Handle is an opened USB device, owned exclusively by the connection that
// imported it. It implements internal/urb.HostDevice.
type Handle struct {
	mu sync.Mutex

	dev    *gousb.Device
	cfg    *gousb.Config
	cfgNum int

	ifaces map[int]*claimedIface
}

// Close releases every claimed interface, the active configuration and the
// device itself. Safe to call once, on every exit path of the owning
// connection -- normal close, protocol error, or client disconnect.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for num, ci := range h.ifaces {
		ci.iface.Close()
		delete(h.ifaces, num)
	}

	if h.cfg != nil {
		h.cfg.Close()
		h.cfg = nil
	}

	return h.dev.Close()
}

// GetConfiguration returns the device's currently active configuration
// value, by issuing GET_CONFIGURATION.
func (h *Handle) GetConfiguration() (int, error) {
	return h.dev.ActiveConfigNum()
}

// SetConfiguration implements the SET_CONFIGURATION intercept: it is
// called instead of forwarding the control request to the device, per
// spec.md §4.4. Any interfaces claimed under the previous configuration
// are released first, since they become invalid the moment the active
// configuration changes.
func (h *Handle) SetConfiguration(value int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for num, ci := range h.ifaces {
		ci.iface.Close()
		delete(h.ifaces, num)
	}

	if h.cfg != nil {
		h.cfg.Close()
		h.cfg = nil
	}

	cfg, err := h.dev.Config(value)
	if err != nil {
		return fmt.Errorf("hostusb: set configuration %d: %w", value, err)
	}

	h.cfg = cfg
	h.cfgNum = value
	return nil
}

// ClaimInterface claims an interface at its default (zero) alternate
// setting, if not already claimed on this handle. Idempotent, per
// spec.md §4.4.
func (h *Handle) ClaimInterface(num int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.ifaces[num]; ok {
		return nil
	}

	if err := h.ensureConfigLocked(); err != nil {
		return err
	}

	iface, err := h.cfg.Interface(num, 0)
	if err != nil {
		return fmt.Errorf("hostusb: claim interface %d: %w", num, err)
	}

	h.ifaces[num] = &claimedIface{
		iface: iface,
		in:    make(map[int]*gousb.InEndpoint),
		out:   make(map[int]*gousb.OutEndpoint),
	}
	return nil
}

// SetInterfaceAltSetting activates the given alternate setting of an
// already-claimed interface, implementing the SET_INTERFACE intercept of
// spec.md §4.4. gousb reclaims the interface for the new alt setting, so
// any previously cached endpoint handles for the old setting are dropped.
func (h *Handle) SetInterfaceAltSetting(num, alt int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureConfigLocked(); err != nil {
		return err
	}

	if ci, ok := h.ifaces[num]; ok {
		ci.iface.Close()
		delete(h.ifaces, num)
	}

	iface, err := h.cfg.Interface(num, alt)
	if err != nil {
		return fmt.Errorf("hostusb: set interface %d alt %d: %w", num, alt, err)
	}

	h.ifaces[num] = &claimedIface{
		iface: iface,
		alt:   alt,
		in:    make(map[int]*gousb.InEndpoint),
		out:   make(map[int]*gousb.OutEndpoint),
	}
	return nil
}

// ensureConfigLocked lazily opens the device's currently active
// configuration if SET_CONFIGURATION hasn't been issued yet on this
// connection (a well-behaved client always configures before claiming
// interfaces, but nothing in the wire protocol enforces the order).
func (h *Handle) ensureConfigLocked() error {
	if h.cfg != nil {
		return nil
	}

	active, err := h.dev.ActiveConfigNum()
	if err != nil {
		return fmt.Errorf("hostusb: no configuration set: %w", err)
	}

	cfg, err := h.dev.Config(active)
	if err != nil {
		return fmt.Errorf("hostusb: open active configuration %d: %w", active, err)
	}

	h.cfg = cfg
	h.cfgNum = active
	return nil
}

// ControlRead issues an IN control transfer and returns up to wLength
// bytes of device-returned data.
func (h *Handle) ControlRead(bmRequestType, bRequest byte, wValue, wIndex, wLength uint16) ([]byte, error) {
	buf := make([]byte, wLength)
	n, err := h.dev.Control(bmRequestType, bRequest, wValue, wIndex, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// ControlWrite issues an OUT control transfer, writing payload.
func (h *Handle) ControlWrite(bmRequestType, bRequest byte, wValue, wIndex uint16, payload []byte) (int, error) {
	return h.dev.Control(bmRequestType, bRequest, wValue, wIndex, payload)
}

// BulkTransferIn reads up to length bytes from a bulk or interrupt IN
// endpoint. The endpoint must belong to an interface claimed on this
// handle (via a prior SET_INTERFACE).
func (h *Handle) BulkTransferIn(ep int, length int) ([]byte, error) {
	h.mu.Lock()
	inEp, err := h.findIn(ep)
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, length)
	n, err := inEp.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// BulkTransferOut writes payload to a bulk or interrupt OUT endpoint.
func (h *Handle) BulkTransferOut(ep int, payload []byte) (int, error) {
	h.mu.Lock()
	outEp, err := h.findOut(ep)
	h.mu.Unlock()
	if err != nil {
		return 0, err
	}

	return outEp.Write(payload)
}

func (h *Handle) findIn(ep int) (*gousb.InEndpoint, error) {
	for _, ci := range h.ifaces {
		if inEp, err := ci.inEndpoint(ep); err == nil {
			return inEp, nil
		}
	}
	return nil, fmt.Errorf("hostusb: endpoint %#x not claimed by any interface", ep)
}

func (h *Handle) findOut(ep int) (*gousb.OutEndpoint, error) {
	for _, ci := range h.ifaces {
		if outEp, err := ci.outEndpoint(ep); err == nil {
			return outEp, nil
		}
	}
	return nil, fmt.Errorf("hostusb: endpoint %#x not claimed by any interface", ep)
}
