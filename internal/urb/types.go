/* usbipd - USB/IP server
 *
 * Session-level types: the host device/registry contracts this package
 * consumes, and the error kinds spec.md's error-handling design names.
 */

package urb

import (
	"fmt"

	"github.com/usbipd-go/usbipd/internal/wire"
)

// HostDevice is the narrow contract a connection drives an imported device
// through. internal/hostusb.Handle implements it; tests substitute a fake.
// Every method maps directly onto spec.md §6's external-collaborator list.
type HostDevice interface {
	GetConfiguration() (int, error)
	SetConfiguration(value int) error
	ClaimInterface(num int) error
	SetInterfaceAltSetting(num, alt int) error

	ControlRead(bmRequestType, bRequest byte, wValue, wIndex, wLength uint16) ([]byte, error)
	ControlWrite(bmRequestType, bRequest byte, wValue, wIndex uint16, payload []byte) (int, error)

	BulkTransferIn(ep int, length int) ([]byte, error)
	BulkTransferOut(ep int, payload []byte) (int, error)

	Close() error
}

// Registry is what a Session needs from the device registry: enumerate for
// OP_DEVLIST/OP_DEVINFO, and open-by-busid for OP_IMPORT.
// internal/registry.Registry implements it.
type Registry interface {
	List() ([]wire.DeviceDescriptor, error)
	Find(busid string) (wire.DeviceDescriptor, bool, error)
	Open(busid string) (HostDevice, error)
}

// ProtocolError represents a malformed or out-of-sequence message on the
// wire: a bad magic version, an unknown opcode, a truncated header. Per
// spec.md's error-handling design, it always terminates the connection
// after the close of the current message, never partway through a write.
type ProtocolError struct {
	reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("usbip: protocol error: %s", e.reason)
}

func protocolErrorf(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{reason: fmt.Sprintf(format, args...)}
}

// UnimplementedError represents a well-formed request this server
// deliberately does not support (an OP opcode or a feature that spec.md's
// Non-goals exclude). Unlike ProtocolError, it does not have to end the
// connection; callers decide case by case whether to reply with a
// negative status or drop the session.
type UnimplementedError struct {
	reason string
}

func (e *UnimplementedError) Error() string {
	return fmt.Sprintf("usbip: unimplemented: %s", e.reason)
}

func unimplementedf(format string, args ...interface{}) *UnimplementedError {
	return &UnimplementedError{reason: fmt.Sprintf(format, args...)}
}
