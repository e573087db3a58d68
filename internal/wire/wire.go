/* usbipd - USB/IP server
 *
 * Wire protocol codec
 *
 * Pure pack/unpack of the fixed big-endian USB/IP structures. No I/O
 * beyond the io.Writer/io.Reader passed in by the caller; no protocol
 * state lives here, only field layout.
 */

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Version is the USB/IP wire protocol version emitted in every OP-phase
// reply. 0x0111 predates USB 3 wire-speed encoding, hence the SUPER->HIGH
// speed folding in SpeedToWire.
const Version uint16 = 0x0111

// OP-phase opcodes (without the REQUEST/REPLY high bit)
const (
	OpUnspec  uint16 = 0x00
	OpDevInfo uint16 = 0x02
	OpImport  uint16 = 0x03
	OpDevList uint16 = 0x05
)

// OpRequest is OR-ed with an opcode to make a REQUEST code on the wire;
// REPLY codes carry the bare opcode.
const OpRequest uint16 = 0x8000

// OP-phase status codes
const (
	StOK uint32 = 0
	StNA uint32 = 1
)

// URB commands
const (
	CmdSubmit uint32 = 0x0001
	CmdUnlink uint32 = 0x0002
	RetSubmit uint32 = 0x0003
	RetUnlink uint32 = 0x0004
	ResetDev  uint32 = 0xFFFF
)

// URB transfer directions, as carried in usbip_header_basic.direction.
const (
	DirOut uint32 = 0
	DirIn  uint32 = 1
)

// Fixed field widths for the device descriptor
const (
	pathFieldSize  = 256
	busIDFieldSize = 32

	// DeviceDescSize is the size, in bytes, of the fixed portion of an
	// encoded device descriptor (path + busid + busnum/devnum/speed +
	// ids + bcdDevice + the six class/config bytes).
	DeviceDescSize = pathFieldSize + busIDFieldSize + 4 + 4 + 4 + 2 + 2 + 2 + 6

	// InterfaceDescSize is the size, in bytes, of one encoded interface
	// descriptor record.
	InterfaceDescSize = 4

	// OpHeaderSize is the size of the common OP-phase header
	// (version, opcode, status).
	OpHeaderSize = 2 + 2 + 4

	// URBHeaderSize is the size of usbip_header_basic, including the two
	// leading zero bytes that the session state machine consumes while
	// demultiplexing OP vs URB traffic.
	URBHeaderSize = 2 + 2 + 4 + 4 + 4 + 4

	// CmdSubmitBodySize is the size of the cmd_submit fields that follow
	// usbip_header_basic: transfer_flags, transfer_buffer_length,
	// start_frame, number_of_packets, interval, and the 8-byte setup
	// packet.
	CmdSubmitBodySize = 4 + 4 + 4 + 4 + 4 + 8

	// RetSubmitSize is the total size of a ret_submit header, including
	// the reserved 8-byte setup block.
	RetSubmitSize = 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 8

	// CmdUnlinkBodySize is the size of the cmd_unlink fields following
	// usbip_header_basic: the seqnum being unlinked, plus reserved
	// padding that keeps the union the same size as cmd_submit's.
	CmdUnlinkBodySize = 4 + 24

	// RetUnlinkSize mirrors RetSubmitSize: same union, only the status
	// field is meaningful.
	RetUnlinkSize = RetSubmitSize
)

// Speed enumerates host USB link speeds, independent of any particular
// host USB library's own speed type.
type Speed int

const (
	SpeedUnknown Speed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
	SpeedSuper
	SpeedVariable
)

// SpeedToWire maps a host speed to its USB/IP wire encoding. SUPER is
// reported as HIGH because protocol version 0x0111 predates USB 3 wire
// speeds; VARIABLE is defined but never emitted by this server.
func SpeedToWire(s Speed) uint32 {
	switch s {
	case SpeedLow:
		return 1
	case SpeedFull:
		return 2
	case SpeedHigh, SpeedSuper:
		return 3
	case SpeedVariable:
		return 4
	default:
		return 0
	}
}

// OpHeader is the common 8-byte header shared by every OP-phase message:
// op_common in the USB/IP spec.
type OpHeader struct {
	Version uint16
	Code    uint16
	Status  uint32
}

// DecodeOpHeader decodes an 8-byte buffer into an OpHeader.
func DecodeOpHeader(b []byte) (OpHeader, error) {
	if len(b) != OpHeaderSize {
		return OpHeader{}, fmt.Errorf("wire: op header: want %d bytes, got %d", OpHeaderSize, len(b))
	}
	return OpHeader{
		Version: binary.BigEndian.Uint16(b[0:2]),
		Code:    binary.BigEndian.Uint16(b[2:4]),
		Status:  binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// EncodeOpHeader writes an OpHeader to w.
func EncodeOpHeader(w io.Writer, h OpHeader) error {
	var b [OpHeaderSize]byte
	binary.BigEndian.PutUint16(b[0:2], h.Version)
	binary.BigEndian.PutUint16(b[2:4], h.Code)
	binary.BigEndian.PutUint32(b[4:8], h.Status)
	_, err := w.Write(b[:])
	return err
}

// InterfaceDescriptor is one interface record trailing a device descriptor.
type InterfaceDescriptor struct {
	Class, SubClass, Protocol byte
}

// DeviceDescriptor is the fixed 312-byte device descriptor record,
// optionally followed by NumInterfaces interface records.
type DeviceDescriptor struct {
	Path  string // synthetic sysfs-like path, "pyusbip/<bus>/<addr>"
	BusID string // "<bus>-<addr>"

	BusNum uint32
	DevNum uint32
	Speed  uint32

	Vendor    uint16
	Product   uint16
	BcdDevice uint16

	DeviceClass        byte
	DeviceSubClass     byte
	DeviceProtocol     byte
	ConfigurationValue byte
	NumConfigurations  byte
	NumInterfaces      byte

	Interfaces []InterfaceDescriptor
}

func packString(s string, size int) []byte {
	b := make([]byte, size)
	n := copy(b, s)
	_ = n
	return b
}

func unpackString(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}

// EncodeDeviceDesc writes a device descriptor to w. When withInterfaces is
// true, d.NumInterfaces interface records are appended, as OP_DEVLIST_REPLY
// requires; OP_IMPORT_REPLY sends only the fixed portion.
func EncodeDeviceDesc(w io.Writer, d DeviceDescriptor, withInterfaces bool) error {
	var b [DeviceDescSize]byte
	off := 0

	copy(b[off:off+pathFieldSize], packString(d.Path, pathFieldSize))
	off += pathFieldSize

	copy(b[off:off+busIDFieldSize], packString(d.BusID, busIDFieldSize))
	off += busIDFieldSize

	binary.BigEndian.PutUint32(b[off:off+4], d.BusNum)
	off += 4
	binary.BigEndian.PutUint32(b[off:off+4], d.DevNum)
	off += 4
	binary.BigEndian.PutUint32(b[off:off+4], d.Speed)
	off += 4

	binary.BigEndian.PutUint16(b[off:off+2], d.Vendor)
	off += 2
	binary.BigEndian.PutUint16(b[off:off+2], d.Product)
	off += 2
	binary.BigEndian.PutUint16(b[off:off+2], d.BcdDevice)
	off += 2

	b[off] = d.DeviceClass
	b[off+1] = d.DeviceSubClass
	b[off+2] = d.DeviceProtocol
	b[off+3] = d.ConfigurationValue
	b[off+4] = d.NumConfigurations
	b[off+5] = d.NumInterfaces
	off += 6

	if off != DeviceDescSize {
		panic("wire: device descriptor layout miscomputed")
	}

	if _, err := w.Write(b[:]); err != nil {
		return err
	}

	if !withInterfaces {
		return nil
	}

	for _, ifc := range d.Interfaces {
		var ib [InterfaceDescSize]byte
		ib[0] = ifc.Class
		ib[1] = ifc.SubClass
		ib[2] = ifc.Protocol
		ib[3] = 0
		if _, err := w.Write(ib[:]); err != nil {
			return err
		}
	}

	return nil
}

// DecodeDeviceDesc decodes the fixed portion of a device descriptor from a
// DeviceDescSize-byte buffer. Interface records, if any, must be decoded
// separately by the caller (their count is only known once NumInterfaces
// has been read).
func DecodeDeviceDesc(b []byte) (DeviceDescriptor, error) {
	if len(b) != DeviceDescSize {
		return DeviceDescriptor{}, fmt.Errorf("wire: device descriptor: want %d bytes, got %d", DeviceDescSize, len(b))
	}

	var d DeviceDescriptor
	off := 0

	d.Path = unpackString(b[off : off+pathFieldSize])
	off += pathFieldSize

	d.BusID = unpackString(b[off : off+busIDFieldSize])
	off += busIDFieldSize

	d.BusNum = binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	d.DevNum = binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	d.Speed = binary.BigEndian.Uint32(b[off : off+4])
	off += 4

	d.Vendor = binary.BigEndian.Uint16(b[off : off+2])
	off += 2
	d.Product = binary.BigEndian.Uint16(b[off : off+2])
	off += 2
	d.BcdDevice = binary.BigEndian.Uint16(b[off : off+2])
	off += 2

	d.DeviceClass = b[off]
	d.DeviceSubClass = b[off+1]
	d.DeviceProtocol = b[off+2]
	d.ConfigurationValue = b[off+3]
	d.NumConfigurations = b[off+4]
	d.NumInterfaces = b[off+5]

	return d, nil
}

// DecodeInterfaceDesc decodes one 4-byte interface record.
func DecodeInterfaceDesc(b []byte) (InterfaceDescriptor, error) {
	if len(b) != InterfaceDescSize {
		return InterfaceDescriptor{}, fmt.Errorf("wire: interface descriptor: want %d bytes, got %d", InterfaceDescSize, len(b))
	}
	return InterfaceDescriptor{Class: b[0], SubClass: b[1], Protocol: b[2]}, nil
}

// URBHeader is usbip_header_basic, minus the two leading zero bytes the
// session state machine already consumed while demultiplexing.
type URBHeader struct {
	Command   uint32
	SeqNum    uint32
	Devid     uint32
	Direction uint32
	Ep        uint32
}

// DecodeURBHeader decodes usbip_header_basic's trailing 18 bytes, given the
// two already-read leading zero bytes (the high half of Command) as
// highHalf.
func DecodeURBHeader(highHalf uint16, b []byte) (URBHeader, error) {
	if len(b) != URBHeaderSize-2 {
		return URBHeader{}, fmt.Errorf("wire: urb header: want %d bytes, got %d", URBHeaderSize-2, len(b))
	}

	lowHalf := binary.BigEndian.Uint16(b[0:2])
	return URBHeader{
		Command:   uint32(highHalf)<<16 | uint32(lowHalf),
		SeqNum:    binary.BigEndian.Uint32(b[2:6]),
		Devid:     binary.BigEndian.Uint32(b[6:10]),
		Direction: binary.BigEndian.Uint32(b[10:14]),
		Ep:        binary.BigEndian.Uint32(b[14:18]),
	}, nil
}

// CmdSubmitBody is the cmd_submit fields following usbip_header_basic.
type CmdSubmitBody struct {
	TransferFlags        uint32
	TransferBufferLength uint32
	StartFrame           uint32
	NumberOfPackets      uint32
	Interval             uint32
	Setup                [8]byte
}

// DecodeCmdSubmitBody decodes the CmdSubmitBodySize-byte body following a
// CMD_SUBMIT's usbip_header_basic.
func DecodeCmdSubmitBody(b []byte) (CmdSubmitBody, error) {
	if len(b) != CmdSubmitBodySize {
		return CmdSubmitBody{}, fmt.Errorf("wire: cmd_submit body: want %d bytes, got %d", CmdSubmitBodySize, len(b))
	}

	var body CmdSubmitBody
	body.TransferFlags = binary.BigEndian.Uint32(b[0:4])
	body.TransferBufferLength = binary.BigEndian.Uint32(b[4:8])
	body.StartFrame = binary.BigEndian.Uint32(b[8:12])
	body.NumberOfPackets = binary.BigEndian.Uint32(b[12:16])
	body.Interval = binary.BigEndian.Uint32(b[16:20])
	copy(body.Setup[:], b[20:28])
	return body, nil
}

// Setup is the decoded 8-byte USB setup packet. Unlike every other wire
// field, it is little-endian, per USB convention.
type Setup struct {
	BmRequestType byte
	BRequest      byte
	WValue        uint16
	WIndex        uint16
	WLength       uint16
}

// DecodeSetup decodes the little-endian 8-byte setup packet.
func DecodeSetup(b [8]byte) Setup {
	return Setup{
		BmRequestType: b[0],
		BRequest:      b[1],
		WValue:        binary.LittleEndian.Uint16(b[2:4]),
		WIndex:        binary.LittleEndian.Uint16(b[4:6]),
		WLength:       binary.LittleEndian.Uint16(b[6:8]),
	}
}

// EncodeRetSubmit writes a RET_SUBMIT reply, followed by payload (which
// must be empty unless this is a successful IN transfer).
func EncodeRetSubmit(w io.Writer, seqNum uint32, status int32, actualLength uint32, payload []byte) error {
	var b [RetSubmitSize]byte

	binary.BigEndian.PutUint32(b[0:4], RetSubmit)
	binary.BigEndian.PutUint32(b[4:8], seqNum)
	// devid, direction, ep are always zero in the reply
	binary.BigEndian.PutUint32(b[8:12], 0)
	binary.BigEndian.PutUint32(b[12:16], 0)
	binary.BigEndian.PutUint32(b[16:20], 0)
	binary.BigEndian.PutUint32(b[20:24], uint32(status))
	binary.BigEndian.PutUint32(b[24:28], actualLength)
	binary.BigEndian.PutUint32(b[28:32], 0) // start_frame
	binary.BigEndian.PutUint32(b[32:36], 0) // number_of_packets
	binary.BigEndian.PutUint32(b[36:40], 0) // error_count
	// bytes 40:48 are the reserved, always-zero setup block

	if _, err := w.Write(b[:]); err != nil {
		return err
	}

	if len(payload) == 0 {
		return nil
	}

	_, err := w.Write(payload)
	return err
}

// DecodeCmdUnlinkBody decodes the CmdUnlinkBodySize-byte body following a
// CMD_UNLINK's usbip_header_basic. The 24 trailing bytes are reserved and
// discarded.
func DecodeCmdUnlinkBody(b []byte) (uint32, error) {
	if len(b) != CmdUnlinkBodySize {
		return 0, fmt.Errorf("wire: cmd_unlink body: want %d bytes, got %d", CmdUnlinkBodySize, len(b))
	}
	return binary.BigEndian.Uint32(b[0:4]), nil
}

// EncodeRetUnlink writes a RET_UNLINK reply. status is 0 if the referenced
// submission was successfully cancelled, or a negative errno (conventionally
// -ENOENT, -2) if it had already completed or was never outstanding.
func EncodeRetUnlink(w io.Writer, seqNum uint32, status int32) error {
	var b [RetUnlinkSize]byte

	binary.BigEndian.PutUint32(b[0:4], RetUnlink)
	binary.BigEndian.PutUint32(b[4:8], seqNum)
	binary.BigEndian.PutUint32(b[8:12], 0)
	binary.BigEndian.PutUint32(b[12:16], 0)
	binary.BigEndian.PutUint32(b[16:20], 0)
	binary.BigEndian.PutUint32(b[20:24], uint32(status))
	// bytes 24:48 are reserved/unused in a ret_unlink reply

	_, err := w.Write(b[:])
	return err
}
