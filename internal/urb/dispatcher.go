/* usbipd - USB/IP server
 *
 * URB dispatcher: turns one decoded CMD_SUBMIT into exactly one call
 * against the imported device's HostDevice, per spec.md §4.4.
 */

package urb

import (
	"github.com/usbipd-go/usbipd/internal/wire"
)

// Standard control request codes this dispatcher special-cases on EP0.
const (
	reqSetAddress       byte = 5
	reqSetConfiguration byte = 9
	reqSetInterface     byte = 11
)

// submitResult is everything a CMD_SUBMIT handler needs to hand back to the
// session for it to encode a RET_SUBMIT.
type submitResult struct {
	status       int32
	actualLength uint32
	payload      []byte // only set for successful IN transfers
}

// dispatchSubmit executes one CMD_SUBMIT against dev and returns the result
// to report back in RET_SUBMIT. outPayload is the OUT-direction data that
// followed the header on the wire, already read in full by the session. An
// UnimplementedError return means no RET_SUBMIT should be sent at all --
// the caller must close the connection instead, per spec.md §4.4's
// "the simple design does not fabricate a reply in this case".
func dispatchSubmit(dev HostDevice, h wire.URBHeader, body wire.CmdSubmitBody, outPayload []byte) (submitResult, error) {
	// number_of_packets == 0 is the normal, non-isochronous value (spec.md
	// §4.4/invariant #1); anything else marks an isochronous submission,
	// on any endpoint, which this server doesn't implement and refuses to
	// fake a reply for.
	if body.NumberOfPackets != 0 {
		return submitResult{}, unimplementedf("isochronous transfers are not supported (ep=%d, packets=%d)", h.Ep, body.NumberOfPackets)
	}

	if h.Ep == 0 {
		return dispatchControl(dev, body, outPayload)
	}
	return dispatchTransfer(dev, h, body, outPayload)
}

// dispatchControl handles EP0 traffic: SET_CONFIGURATION and SET_INTERFACE
// are intercepted and satisfied locally against the host device's state
// machine rather than forwarded as wire requests (the device never sees
// them as control transfers -- the host library's own calls are the
// equivalent operation). SET_ADDRESS is meaningless on an already-enumerated
// exported device, so it is fabricated as an unconditional success. Every
// other EP0 request passes through as a real control transfer.
func dispatchControl(dev HostDevice, body wire.CmdSubmitBody, outPayload []byte) (submitResult, error) {
	setup := wire.DecodeSetup(body.Setup)
	recipient := setup.BmRequestType & 0x1f
	isStandard := setup.BmRequestType&0x60 == 0
	isIn := setup.BmRequestType&0x80 != 0

	if uint32(setup.WLength) != body.TransferBufferLength {
		return submitResult{}, protocolErrorf("control wLength %d does not match transfer_buffer_length %d", setup.WLength, body.TransferBufferLength)
	}

	switch {
	case isStandard && recipient == 0 && setup.BRequest == reqSetConfiguration:
		if err := dev.SetConfiguration(int(setup.WValue)); err != nil {
			return submitResult{status: statusFor(err)}, nil
		}
		return submitResult{status: 0}, nil

	case isStandard && recipient == 1 && setup.BRequest == reqSetInterface:
		// claim_interface then set_interface_alt_setting, per spec.md §4.4.
		if err := dev.ClaimInterface(int(setup.WIndex)); err != nil {
			return submitResult{status: statusFor(err)}, nil
		}
		if err := dev.SetInterfaceAltSetting(int(setup.WIndex), int(setup.WValue)); err != nil {
			return submitResult{status: statusFor(err)}, nil
		}
		return submitResult{status: 0}, nil

	case isStandard && recipient == 0 && setup.BRequest == reqSetAddress:
		return submitResult{status: 0}, nil
	}

	if isIn {
		data, err := dev.ControlRead(setup.BmRequestType, setup.BRequest, setup.WValue, setup.WIndex, setup.WLength)
		if err != nil {
			return submitResult{status: statusFor(err)}, nil
		}
		return submitResult{status: 0, actualLength: uint32(len(data)), payload: data}, nil
	}

	n, err := dev.ControlWrite(setup.BmRequestType, setup.BRequest, setup.WValue, setup.WIndex, outPayload)
	if err != nil {
		return submitResult{status: statusFor(err)}, nil
	}
	return submitResult{status: 0, actualLength: uint32(n)}, nil
}

// dispatchTransfer handles non-EP0 bulk and interrupt endpoints: plain
// reads and writes, addressed by endpoint number and direction exactly as
// carried in usbip_header_basic. Isochronous submissions have already been
// rejected by dispatchSubmit.
func dispatchTransfer(dev HostDevice, h wire.URBHeader, body wire.CmdSubmitBody, outPayload []byte) (submitResult, error) {
	if h.Direction == wire.DirIn {
		data, err := dev.BulkTransferIn(int(h.Ep), int(body.TransferBufferLength))
		if err != nil {
			return submitResult{status: statusFor(err)}, nil
		}
		return submitResult{status: 0, actualLength: uint32(len(data)), payload: data}, nil
	}

	n, err := dev.BulkTransferOut(int(h.Ep), outPayload)
	if err != nil {
		return submitResult{status: statusFor(err)}, nil
	}
	return submitResult{status: 0, actualLength: uint32(n)}, nil
}
