package urb

import "strings"

// RET_SUBMIT status codes this server is able to distinguish. HostDevice
// only returns plain errors, so classification here is necessarily
// text-based -- it mirrors internal/hostusb's own IsStall, independently,
// since this package must not import gousb-flavored types.
const (
	errnoEIO   int32 = -5
	errnoEPIPE int32 = -32
)

func statusFor(err error) int32 {
	if err == nil {
		return 0
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "stall") || strings.Contains(msg, "pipe") {
		return errnoEPIPE
	}
	return errnoEIO
}
