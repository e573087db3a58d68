package hostusb

import (
	"strings"
)

// Errno mirrors the small subset of negative errno-style status codes
// spec.md §4.4/§7 requires in RET_SUBMIT. Named the way the teacher names
// its UsbErrCode constants (usbio_libusb.go), but kept to plain negative
// ints rather than a host-library-specific type, since this is what goes
// on the wire.
type Errno int32

const (
	EIO   Errno = -5
	EPIPE Errno = -32
)

// IsStall reports whether err represents a stalled/halted endpoint
// (libusb's LIBUSB_TRANSFER_STALL / LIBUSB_ERROR_PIPE). gousb does not
// export a single stable sentinel for this across transfer and control
// paths, so classification falls back to matching on the transfer status
// text the way the teacher's UsbErrCode.String() surfaces libusb's own
// error strings.
func IsStall(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "stall") || strings.Contains(msg, "pipe")
}

// ErrnoFor maps a host USB error to the RET_SUBMIT status to report.
// Stalled endpoints map to -EPIPE; anything else falls back to -EIO, per
// spec.md §7.
func ErrnoFor(err error) Errno {
	if IsStall(err) {
		return EPIPE
	}
	return EIO
}
