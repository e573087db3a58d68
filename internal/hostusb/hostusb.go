/* usbipd - USB/IP server
 *
 * Host USB library adapter
 *
 * Concrete implementation of the host USB library contract spec.md §6
 * asks for, built on top of github.com/google/gousb. internal/registry and
 * internal/urb never import gousb directly; internal/urb consumes the
 * narrower HostDevice interface it declares, which Handle implements, so
 * this package is the only place that knows libusb exists.
 */

package hostusb

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/gousb"
)

// Speed mirrors the host library's own link-speed enumeration, kept
// independent of the wire package's Speed type so this package has no
// dependency on the protocol codec.
type Speed int

const (
	SpeedUnknown Speed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
	SpeedSuper
	SpeedVariable
)

func speedFromGousb(s gousb.Speed) Speed {
	switch s {
	case gousb.SpeedLow:
		return SpeedLow
	case gousb.SpeedFull:
		return SpeedFull
	case gousb.SpeedHigh:
		return SpeedHigh
	case gousb.SpeedSuper, gousb.SpeedSuperPlus:
		return SpeedSuper
	default:
		return SpeedUnknown
	}
}

// InterfaceInfo describes one interface's first alternate setting, which is
// all the device descriptor needs to report (spec.md §6: "an interface's
// first alternate setting yields class/subclass/protocol").
type InterfaceInfo struct {
	Class, SubClass, Protocol byte
}

// ConfigInfo describes one configuration: its value and interface list.
type ConfigInfo struct {
	Value      int
	Interfaces []InterfaceInfo
}

// DeviceSnapshot holds everything needed to build a device descriptor
// without holding the device open. Valid only while the device remains
// attached; the registry is re-queried on every OP_DEVLIST/OP_IMPORT.
type DeviceSnapshot struct {
	Bus, Address int

	Vendor, Product, Bcd uint16
	Class, SubClass, Protocol byte

	Speed Speed

	// ActiveConfig is the configuration value in effect when the
	// snapshot was taken, or Configs[0].Value if the opened device's
	// active configuration could not be read -- see Registry.List.
	ActiveConfig int
	Configs      []ConfigInfo
}

// BusID is the "<bus>-<addr>" textual identifier used by OP_IMPORT.
func (s DeviceSnapshot) BusID() string {
	return fmt.Sprintf("%d-%d", s.Bus, s.Address)
}

// Devid is the packed 32-bit (bus<<16)|addr identifier carried in URB
// headers. Per spec.md §9, this is the only devid encoding this server
// implements; the alternate bus<<8|addr form seen in some USB/IP sources
// is treated as a bug, not a variant to support.
func (s DeviceSnapshot) Devid() uint32 {
	return uint32(s.Bus)<<16 | uint32(s.Address)
}

// Registry enumerates attached USB devices and resolves busids to device
// handles. It holds no per-device state between calls: List and
// FindByBusID both re-enumerate from scratch, so hotplug correctness is
// exactly as fresh as gousb's own enumeration.
type Registry struct {
	mu  sync.Mutex
	ctx *gousb.Context
}

// NewRegistry creates a Registry backed by a fresh libusb context. The
// context is process-wide in spirit (one per running server), but nothing
// stops a caller from creating more than one for testing.
func NewRegistry() *Registry {
	return &Registry{ctx: gousb.NewContext()}
}

// Close releases the underlying libusb context.
func (r *Registry) Close() error {
	return r.ctx.Close()
}

// List enumerates every attached USB device, building a DeviceSnapshot for
// each opened device. Devices are opened so the active configuration can
// be queried; an opened device whose active configuration cannot be read
// still appears, with ActiveConfig falling back to its first
// configuration's value. A device that cannot be opened at all (for
// example, permission denied) is left out of the list.
func (r *Registry) List() ([]DeviceSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	devs, err := r.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return true
	})
	for _, dev := range devs {
		defer dev.Close()
	}

	snaps := make([]DeviceSnapshot, 0, len(devs))
	for _, dev := range devs {
		snaps = append(snaps, snapshotOf(dev))
	}

	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].Bus != snaps[j].Bus {
			return snaps[i].Bus < snaps[j].Bus
		}
		return snaps[i].Address < snaps[j].Address
	})

	// err, if non-nil, reflects devices that failed to open entirely
	// (e.g. exclusive access held by another process); list remains
	// best-effort rather than failing outright, mirroring the
	// teacher's "never let one bad device take down enumeration" style.
	return snaps, nil
}

// FindByBusID resolves a textual busid to its current snapshot. Returns
// false if no attached device currently matches.
func (r *Registry) FindByBusID(busid string) (DeviceSnapshot, bool, error) {
	snaps, err := r.List()
	if err != nil {
		return DeviceSnapshot{}, false, err
	}

	for _, s := range snaps {
		if s.BusID() == busid {
			return s, true, nil
		}
	}

	return DeviceSnapshot{}, false, nil
}

// Open opens the device identified by snapshot and returns a live handle.
// The caller owns the handle exclusively and must Close it.
func (r *Registry) Open(snapshot DeviceSnapshot) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var found *gousb.Device
	devs, err := r.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == snapshot.Bus && desc.Address == snapshot.Address
	})
	for _, dev := range devs {
		if found == nil {
			found = dev
		} else {
			dev.Close()
		}
	}

	if found == nil {
		if err != nil {
			return nil, fmt.Errorf("hostusb: open %s: %w", snapshot.BusID(), err)
		}
		return nil, fmt.Errorf("hostusb: open %s: device not found", snapshot.BusID())
	}

	// The host kernel driver, if any, must get out of the way so this
	// connection can claim interfaces; gousb detaches it automatically
	// and reattaches it on Close, the same sequencing the teacher's
	// libusb_set_auto_detach_kernel_driver call follows.
	found.SetAutoDetach(true)

	return &Handle{dev: found, ifaces: make(map[int]*claimedIface)}, nil
}

func snapshotOf(dev *gousb.Device) DeviceSnapshot {
	desc := dev.Desc

	snap := DeviceSnapshot{
		Bus:      desc.Bus,
		Address:  desc.Address,
		Vendor:   uint16(desc.Vendor),
		Product:  uint16(desc.Product),
		Bcd:      uint16(desc.Device),
		Class:    byte(desc.Class),
		SubClass: byte(desc.SubClass),
		Protocol: byte(desc.Protocol),
		Speed:    speedFromGousb(desc.Speed),
	}

	cfgNums := make([]int, 0, len(desc.Configs))
	for num := range desc.Configs {
		cfgNums = append(cfgNums, num)
	}
	sort.Ints(cfgNums)

	for _, num := range cfgNums {
		cfg := desc.Configs[num]
		info := ConfigInfo{Value: num}

		ifNums := make([]int, 0, len(cfg.Interfaces))
		for _, ifc := range cfg.Interfaces {
			ifNums = append(ifNums, ifc.Number)
		}
		sort.Ints(ifNums)

		byNum := make(map[int]gousb.InterfaceDesc, len(cfg.Interfaces))
		for _, ifc := range cfg.Interfaces {
			byNum[ifc.Number] = ifc
		}

		for _, num := range ifNums {
			ifc := byNum[num]
			if len(ifc.AltSettings) == 0 {
				continue
			}
			alt := ifc.AltSettings[0]
			info.Interfaces = append(info.Interfaces, InterfaceInfo{
				Class:    byte(alt.Class),
				SubClass: byte(alt.SubClass),
				Protocol: byte(alt.Protocol),
			})
		}

		snap.Configs = append(snap.Configs, info)
	}

	if len(snap.Configs) > 0 {
		snap.ActiveConfig = snap.Configs[0].Value
	}

	if active, err := dev.ActiveConfigNum(); err == nil {
		snap.ActiveConfig = active
	}

	return snap
}
