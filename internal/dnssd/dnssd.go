/* usbipd - USB/IP server
 *
 * DNS-SD advertising
 *
 * Publishes a _usbip._tcp service via Avahi, using the D-Bus client
 * bindings rather than the teacher's raw cgo avahi-client calls
 * (dnssd_avahi.go): the teacher's go.mod already declared
 * github.com/holoplot/go-avahi and github.com/godbus/dbus/v5 but never
 * imported either, so this is where that declared dependency finally
 * gets exercised.
 */

package dnssd

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/holoplot/go-avahi"

	"github.com/usbipd-go/usbipd/internal/usbiplog"
)

// ServiceType is the DNS-SD service type this server advertises.
const ServiceType = "_usbip._tcp"

// Publisher advertises one usbipd instance's exported busids over mDNS.
// Unpublish must be called to withdraw the announcement and release the
// D-Bus connection.
type Publisher struct {
	conn  *dbus.Conn
	group *avahi.EntryGroup
	log   *usbiplog.Logger
}

// Publish registers instance (the Service Instance Name) for the USB/IP
// service on port, with busids advertised as a TXT record so browsers can
// show the export allow-list without an OP_DEVLIST round trip. An empty
// busids list is advertised as busids=0 with no busid items.
func Publish(instance string, port int, busids []string, log *usbiplog.Logger) (*Publisher, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("dnssd: connect to system bus: %w", err)
	}

	server, err := avahi.ServerNew(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dnssd: avahi server: %w", err)
	}

	group, err := server.EntryGroupNew()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dnssd: entry group: %w", err)
	}

	txt := txtRecord(busids)

	err = group.AddService(
		avahi.InterfaceUnspec,
		avahi.ProtoUnspec,
		0,
		instance,
		ServiceType,
		"",
		"",
		uint16(port),
		txt,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dnssd: add service: %w", err)
	}

	if err := group.Commit(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dnssd: commit: %w", err)
	}

	log.Begin().Info('+', "dnssd: published %q as %s on port %d", instance, ServiceType, port).Commit()

	return &Publisher{conn: conn, group: group, log: log}, nil
}

// Unpublish withdraws the announcement and closes the D-Bus connection.
func (p *Publisher) Unpublish() {
	if p.group != nil {
		p.group.Reset()
		p.group.Free()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.log.Begin().Debug(' ', "dnssd: unpublished").Commit()
}

// txtRecord builds the TXT record's byte-string items. Avahi publishes
// items in reverse of append order, same quirk the teacher's dnssd.go
// comments on, so busids end up advertised in their original order.
func txtRecord(busids []string) [][]byte {
	items := [][]byte{[]byte(fmt.Sprintf("busids=%d", len(busids)))}
	for i := len(busids) - 1; i >= 0; i-- {
		items = append(items, []byte(fmt.Sprintf("busid=%s", busids[i])))
	}
	return items
}
