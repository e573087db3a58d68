/* usbipd - USB/IP server
 *
 * Device registry
 *
 * Bridges internal/hostusb's enumeration snapshots to the wire device
 * descriptor format OP_DEVLIST/OP_IMPORT send, and applies the exported-
 * busid allow-list. internal/urb never imports gousb or hostusb directly;
 * it consumes the Registry and HostDevice interfaces it declares, and this
 * package is the concrete Registry implementation.
 */

package registry

import (
	"fmt"
	"sort"

	"github.com/usbipd-go/usbipd/internal/hostusb"
	"github.com/usbipd-go/usbipd/internal/urb"
	"github.com/usbipd-go/usbipd/internal/wire"
)

// Registry enumerates host USB devices and resolves busids, filtered
// through an optional export allow-list (spec.md's D.3 supplement: a real
// USB/IP host never exports every attached device unconditionally).
type Registry struct {
	host      *hostusb.Registry
	whitelist map[string]bool // nil means "export everything"
}

// New creates a Registry over host. If busids is non-empty, only devices
// whose busid appears in it are ever listed or imported; an empty list
// disables filtering entirely, matching the teacher's own "absent
// whitelist means allow all" convention in conf.go.
func New(host *hostusb.Registry, busids []string) *Registry {
	r := &Registry{host: host}
	if len(busids) > 0 {
		r.whitelist = make(map[string]bool, len(busids))
		for _, id := range busids {
			r.whitelist[id] = true
		}
	}
	return r
}

func (r *Registry) allowed(busid string) bool {
	return r.whitelist == nil || r.whitelist[busid]
}

// List implements urb.Registry: it returns the wire device descriptors of
// every exported, currently attached device, sorted by busid.
func (r *Registry) List() ([]wire.DeviceDescriptor, error) {
	snaps, err := r.host.List()
	if err != nil {
		return nil, err
	}

	descs := make([]wire.DeviceDescriptor, 0, len(snaps))
	for _, s := range snaps {
		if !r.allowed(s.BusID()) {
			continue
		}
		descs = append(descs, descriptorOf(s))
	}

	sort.Slice(descs, func(i, j int) bool { return descs[i].BusID < descs[j].BusID })
	return descs, nil
}

// Find implements urb.Registry: it resolves busid to its current wire
// descriptor, if attached and exported.
func (r *Registry) Find(busid string) (wire.DeviceDescriptor, bool, error) {
	if !r.allowed(busid) {
		return wire.DeviceDescriptor{}, false, nil
	}

	snap, ok, err := r.host.FindByBusID(busid)
	if err != nil || !ok {
		return wire.DeviceDescriptor{}, ok, err
	}

	return descriptorOf(snap), true, nil
}

// Open implements urb.Registry: it opens the device identified by busid
// and returns the urb.HostDevice handle the caller will drive URBs
// through for the lifetime of the import.
func (r *Registry) Open(busid string) (urb.HostDevice, error) {
	if !r.allowed(busid) {
		return nil, fmt.Errorf("registry: busid %s is not exported", busid)
	}

	snap, ok, err := r.host.FindByBusID(busid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("registry: busid %s not found", busid)
	}

	return r.host.Open(snap)
}

func speedToWire(s hostusb.Speed) wire.Speed {
	switch s {
	case hostusb.SpeedLow:
		return wire.SpeedLow
	case hostusb.SpeedFull:
		return wire.SpeedFull
	case hostusb.SpeedHigh:
		return wire.SpeedHigh
	case hostusb.SpeedSuper:
		return wire.SpeedSuper
	case hostusb.SpeedVariable:
		return wire.SpeedVariable
	default:
		return wire.SpeedUnknown
	}
}

// descriptorOf builds a wire.DeviceDescriptor from a host snapshot. The
// active configuration's interface list is what's reported; if the
// snapshot's ActiveConfig doesn't match any known configuration (it
// shouldn't, but hostusb.List documents a fallback path), the first
// configuration is used instead.
func descriptorOf(s hostusb.DeviceSnapshot) wire.DeviceDescriptor {
	var cfg *hostusb.ConfigInfo
	for i := range s.Configs {
		if s.Configs[i].Value == s.ActiveConfig {
			cfg = &s.Configs[i]
			break
		}
	}
	if cfg == nil && len(s.Configs) > 0 {
		cfg = &s.Configs[0]
	}

	d := wire.DeviceDescriptor{
		Path:               fmt.Sprintf("pyusbip/%d/%d", s.Bus, s.Address),
		BusID:              s.BusID(),
		BusNum:             uint32(s.Bus),
		DevNum:             uint32(s.Address),
		Speed:              wire.SpeedToWire(speedToWire(s.Speed)),
		Vendor:             s.Vendor,
		Product:            s.Product,
		BcdDevice:          s.Bcd,
		DeviceClass:        s.Class,
		DeviceSubClass:     s.SubClass,
		DeviceProtocol:     s.Protocol,
		ConfigurationValue: byte(s.ActiveConfig),
		NumConfigurations:  byte(len(s.Configs)),
	}

	if cfg != nil {
		d.NumInterfaces = byte(len(cfg.Interfaces))
		for _, ifc := range cfg.Interfaces {
			d.Interfaces = append(d.Interfaces, wire.InterfaceDescriptor{
				Class:    ifc.Class,
				SubClass: ifc.SubClass,
				Protocol: ifc.Protocol,
			})
		}
	}

	return d
}
