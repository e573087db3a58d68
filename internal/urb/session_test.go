package urb

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/usbipd-go/usbipd/internal/usbiplog"
	"github.com/usbipd-go/usbipd/internal/wire"
)

type fakeDevice struct {
	configured int
	altByIface map[int]int
	closed     bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{altByIface: make(map[int]int)}
}

func (d *fakeDevice) GetConfiguration() (int, error) { return d.configured, nil }

func (d *fakeDevice) SetConfiguration(value int) error {
	d.configured = value
	return nil
}

func (d *fakeDevice) ClaimInterface(num int) error {
	d.altByIface[num] = 0
	return nil
}

func (d *fakeDevice) SetInterfaceAltSetting(num, alt int) error {
	d.altByIface[num] = alt
	return nil
}

func (d *fakeDevice) ControlRead(bmRequestType, bRequest byte, wValue, wIndex, wLength uint16) ([]byte, error) {
	return bytes.Repeat([]byte{0xAB}, int(wLength)), nil
}

func (d *fakeDevice) ControlWrite(bmRequestType, bRequest byte, wValue, wIndex uint16, payload []byte) (int, error) {
	return len(payload), nil
}

func (d *fakeDevice) BulkTransferIn(ep int, length int) ([]byte, error) {
	return bytes.Repeat([]byte{0xCD}, length), nil
}

func (d *fakeDevice) BulkTransferOut(ep int, payload []byte) (int, error) {
	return len(payload), nil
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

type fakeRegistry struct {
	descs   []wire.DeviceDescriptor
	devices map[string]*fakeDevice
}

func (r *fakeRegistry) List() ([]wire.DeviceDescriptor, error) {
	return r.descs, nil
}

func (r *fakeRegistry) Find(busid string) (wire.DeviceDescriptor, bool, error) {
	for _, d := range r.descs {
		if d.BusID == busid {
			return d, true, nil
		}
	}
	return wire.DeviceDescriptor{}, false, nil
}

func (r *fakeRegistry) Open(busid string) (HostDevice, error) {
	dev := r.devices[busid]
	return dev, nil
}

func testLogger() *usbiplog.Logger {
	return usbiplog.NewLogger().ToNowhere()
}

func testRegistry() (*fakeRegistry, *fakeDevice) {
	desc := wire.DeviceDescriptor{
		Path: "pyusbip/1/2", BusID: "1-2",
		BusNum: 1, DevNum: 2, Speed: 3,
		Vendor: 0x0483, Product: 0x5740,
		ConfigurationValue: 1, NumConfigurations: 1,
		NumInterfaces: 1,
		Interfaces:    []wire.InterfaceDescriptor{{Class: 8, SubClass: 6, Protocol: 0x50}},
	}
	dev := newFakeDevice()
	return &fakeRegistry{
		descs:   []wire.DeviceDescriptor{desc},
		devices: map[string]*fakeDevice{"1-2": dev},
	}, dev
}

func runSession(t *testing.T, reg Registry) (client net.Conn, cancel func()) {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	ctx, cancelFn := context.WithCancel(context.Background())

	s := NewSession(serverConn, reg, testLogger())
	go s.Serve(ctx)

	return clientConn, func() {
		cancelFn()
		clientConn.Close()
	}
}

func TestOpUnspecRoundTrip(t *testing.T) {
	reg, _ := testRegistry()
	client, cancel := runSession(t, reg)
	defer cancel()

	client.SetDeadline(time.Now().Add(2 * time.Second))

	req := []byte{0x01, 0x11, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00}
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write: %s", err)
	}

	var reply [8]byte
	if _, err := readFull(client, reply[:]); err != nil {
		t.Fatalf("read: %s", err)
	}

	want := []byte{0x01, 0x11, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(reply[:], want) {
		t.Fatalf("got % x, want % x", reply, want)
	}
}

func TestOpImportThenSubmit(t *testing.T) {
	reg, _ := testRegistry()
	client, cancel := runSession(t, reg)
	defer cancel()

	client.SetDeadline(time.Now().Add(2 * time.Second))

	// OP_REQ_IMPORT, busid "1-2"
	var req bytes.Buffer
	req.Write([]byte{0x01, 0x11, 0x80, 0x03, 0x00, 0x00, 0x00, 0x00})
	busid := make([]byte, 32)
	copy(busid, "1-2")
	req.Write(busid)
	if _, err := client.Write(req.Bytes()); err != nil {
		t.Fatalf("write import: %s", err)
	}

	var hdrBuf [8]byte
	if _, err := readFull(client, hdrBuf[:]); err != nil {
		t.Fatalf("read import header: %s", err)
	}
	hdr, err := wire.DecodeOpHeader(hdrBuf[:])
	if err != nil {
		t.Fatalf("decode import header: %s", err)
	}
	if hdr.Status != wire.StOK {
		t.Fatalf("import failed: status %d", hdr.Status)
	}

	desc := make([]byte, wire.DeviceDescSize)
	if _, err := readFull(client, desc); err != nil {
		t.Fatalf("read device desc: %s", err)
	}

	// CMD_SUBMIT on EP0: SET_CONFIGURATION(value=1)
	var submit bytes.Buffer
	submit.Write([]byte{0x00, 0x00}) // command high half
	submit.Write([]byte{0x00, 0x01}) // command low half -> CmdSubmit
	submit.Write([]byte{0x00, 0x00, 0x00, 0x01})             // seqnum
	submit.Write([]byte{0x00, 0x01, 0x00, 0x02})             // devid 1<<16|2
	submit.Write([]byte{0x00, 0x00, 0x00, 0x00})             // direction out
	submit.Write([]byte{0x00, 0x00, 0x00, 0x00})             // ep 0
	submit.Write([]byte{0x00, 0x00, 0x00, 0x00})             // transfer_flags
	submit.Write([]byte{0x00, 0x00, 0x00, 0x00})             // transfer_buffer_length
	submit.Write([]byte{0x00, 0x00, 0x00, 0x00})             // start_frame
	submit.Write([]byte{0x00, 0x00, 0x00, 0x00})             // number_of_packets
	submit.Write([]byte{0x00, 0x00, 0x00, 0x00})             // interval
	submit.Write([]byte{0x00, 0x09, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00}) // setup

	if _, err := client.Write(submit.Bytes()); err != nil {
		t.Fatalf("write submit: %s", err)
	}

	var ret [wire.RetSubmitSize]byte
	if _, err := readFull(client, ret[:]); err != nil {
		t.Fatalf("read ret_submit: %s", err)
	}

	if ret[3] != byte(wire.RetSubmit) {
		t.Fatalf("unexpected ret command byte %#x", ret[3])
	}
	status := uint32(ret[20])<<24 | uint32(ret[21])<<16 | uint32(ret[22])<<8 | uint32(ret[23])
	if status != 0 {
		t.Fatalf("unexpected status %#x", status)
	}
}

func TestBulkTransferInAfterImport(t *testing.T) {
	reg, _ := testRegistry()
	client, cancel := runSession(t, reg)
	defer cancel()

	client.SetDeadline(time.Now().Add(2 * time.Second))

	var req bytes.Buffer
	req.Write([]byte{0x01, 0x11, 0x80, 0x03, 0x00, 0x00, 0x00, 0x00})
	busid := make([]byte, 32)
	copy(busid, "1-2")
	req.Write(busid)
	if _, err := client.Write(req.Bytes()); err != nil {
		t.Fatalf("write import: %s", err)
	}

	var hdrBuf [8]byte
	readFull(client, hdrBuf[:])
	desc := make([]byte, wire.DeviceDescSize)
	readFull(client, desc)

	// CMD_SUBMIT on EP 1 IN, 4 bytes requested, non-isochronous.
	var submit bytes.Buffer
	submit.Write([]byte{0x00, 0x00})             // command high half
	submit.Write([]byte{0x00, 0x01})             // command low half -> CmdSubmit
	submit.Write([]byte{0x00, 0x00, 0x00, 0x02}) // seqnum
	submit.Write([]byte{0x00, 0x01, 0x00, 0x02}) // devid 1<<16|2
	submit.Write([]byte{0x00, 0x00, 0x00, 0x01}) // direction in
	submit.Write([]byte{0x00, 0x00, 0x00, 0x01}) // ep 1
	submit.Write([]byte{0x00, 0x00, 0x00, 0x00}) // transfer_flags
	submit.Write([]byte{0x00, 0x00, 0x00, 0x04}) // transfer_buffer_length
	submit.Write([]byte{0x00, 0x00, 0x00, 0x00}) // start_frame
	submit.Write([]byte{0x00, 0x00, 0x00, 0x00}) // number_of_packets: 0 -> not isochronous
	submit.Write([]byte{0x00, 0x00, 0x00, 0x00}) // interval
	submit.Write(make([]byte, 8))                // setup (unused for non-EP0)

	if _, err := client.Write(submit.Bytes()); err != nil {
		t.Fatalf("write submit: %s", err)
	}

	var ret [wire.RetSubmitSize]byte
	if _, err := readFull(client, ret[:]); err != nil {
		t.Fatalf("read ret_submit: %s", err)
	}

	status := uint32(ret[20])<<24 | uint32(ret[21])<<16 | uint32(ret[22])<<8 | uint32(ret[23])
	if status != 0 {
		t.Fatalf("unexpected status %#x", status)
	}

	actual := uint32(ret[24])<<24 | uint32(ret[25])<<16 | uint32(ret[26])<<8 | uint32(ret[27])
	if actual != 4 {
		t.Fatalf("actual_length = %d, want 4", actual)
	}

	payload := make([]byte, 4)
	if _, err := readFull(client, payload); err != nil {
		t.Fatalf("read payload: %s", err)
	}
	if !bytes.Equal(payload, []byte{0xCD, 0xCD, 0xCD, 0xCD}) {
		t.Fatalf("payload = % x, want 0xCD repeated", payload)
	}
}

func TestIsochronousSubmitClosesConnectionWithoutReply(t *testing.T) {
	reg, _ := testRegistry()
	client, cancel := runSession(t, reg)
	defer cancel()

	client.SetDeadline(time.Now().Add(2 * time.Second))

	var req bytes.Buffer
	req.Write([]byte{0x01, 0x11, 0x80, 0x03, 0x00, 0x00, 0x00, 0x00})
	busid := make([]byte, 32)
	copy(busid, "1-2")
	req.Write(busid)
	if _, err := client.Write(req.Bytes()); err != nil {
		t.Fatalf("write import: %s", err)
	}

	var hdrBuf [8]byte
	readFull(client, hdrBuf[:])
	desc := make([]byte, wire.DeviceDescSize)
	readFull(client, desc)

	// CMD_SUBMIT on EP 1 IN, number_of_packets = 3: isochronous, per
	// scenario §8.6.
	var submit bytes.Buffer
	submit.Write([]byte{0x00, 0x00})             // command high half
	submit.Write([]byte{0x00, 0x01})             // command low half -> CmdSubmit
	submit.Write([]byte{0x00, 0x00, 0x00, 0x03}) // seqnum
	submit.Write([]byte{0x00, 0x01, 0x00, 0x02}) // devid 1<<16|2
	submit.Write([]byte{0x00, 0x00, 0x00, 0x01}) // direction in
	submit.Write([]byte{0x00, 0x00, 0x00, 0x01}) // ep 1
	submit.Write([]byte{0x00, 0x00, 0x00, 0x00}) // transfer_flags
	submit.Write([]byte{0x00, 0x00, 0x00, 0x04}) // transfer_buffer_length
	submit.Write([]byte{0x00, 0x00, 0x00, 0x00}) // start_frame
	submit.Write([]byte{0x00, 0x00, 0x00, 0x03}) // number_of_packets: 3 -> isochronous
	submit.Write([]byte{0x00, 0x00, 0x00, 0x00}) // interval
	submit.Write(make([]byte, 8))                // setup (unused for non-EP0)

	if _, err := client.Write(submit.Bytes()); err != nil {
		t.Fatalf("write submit: %s", err)
	}

	// No RET_SUBMIT should follow; the connection closes instead. A read
	// must observe EOF (or a closed-pipe error), never a full reply.
	var ret [wire.RetSubmitSize]byte
	n, err := readFull(client, ret[:])
	if err == nil {
		t.Fatalf("expected connection close, got a full %d-byte reply: % x", n, ret[:n])
	}
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
