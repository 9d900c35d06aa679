package vrrpd

import (
	"net/netip"
)

// RecvHandle and SendHandle are opaque handles to the OS collaborator's
// receive and send sockets (spec.md §6's open_recv_socket/open_send_socket).
// The core never inspects them; it only ever passes them back to the same
// OS implementation that created them.
type RecvHandle interface{ recvHandle() }
type SendHandle interface{ sendHandle() }

// Frame is one datagram read off the receive socket, with the ancillary
// metadata the dispatcher's validation pipeline needs (spec.md §4.5 step 1).
type Frame struct {
	Payload  []byte // VRRP PDU only, IP header already stripped
	IfIndex  int
	SrcIP    netip.Addr
	DstIP    netip.Addr
	TTL      int
}

// OS is the abstract collaborator spec.md §6 names at the interface level
// only ("OS-specific raw-socket / netdevice / route-installation
// primitives" are explicitly out of scope for this core). Everything in
// dispatcher.go and virtualrouter.go is written against this interface; the
// only concrete implementation shipped here targets Linux (os_linux.go). A
// second platform is a second implementation of this interface, not a
// change to the core.
type OS interface {
	OpenRecvSocket(ifaces []string) (RecvHandle, error)
	OpenSendSocket() (SendHandle, error)

	// Recv blocks until a frame arrives on h or the socket is closed, in
	// which case it returns an error wrapping net.ErrClosed.
	Recv(h RecvHandle) (Frame, error)
	Send(h SendHandle, ifaceName string, vrid byte, payload []byte) error

	SetPromiscuous(h RecvHandle, ifaceName string, on bool) error
	IfNameToIndex(name string) (int, error)
	ListIPv4(name string) ([]netip.Addr, error)

	AddVIP(ifaceName string, addr netip.Addr) error
	DelVIP(ifaceName string, addr netip.Addr) error

	AddRoute(r StaticRoute, ifaceName string) error
	DelRoute(r StaticRoute, ifaceName string) error

	SendGratuitousARP(ifaceName string, vip netip.Addr, vmac []byte) error

	CloseRecvSocket(h RecvHandle) error
	CloseSendSocket(h SendHandle) error
}
