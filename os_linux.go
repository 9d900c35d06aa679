//go:build linux

package vrrpd

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mdlayher/arp"
	"github.com/vishvananda/netlink"
	"golang.org/x/net/ipv4"
)

// LinuxOS is the default, and only shipped, implementation of the OS
// collaborator interface (spec.md §6), grounded on the teacher's
// vrrp_conn.go (raw ip4:112 multicast socket) and vip_announcer.go
// (gratuitous ARP), with VIP/route installation added via netlink (see
// DESIGN.md C6). Unlike the teacher, which opens one socket per VR,
// OpenRecvSocket here opens a single socket shared by every VR on every
// configured interface, joining the VRRP multicast group on each — this is
// what lets the Dispatcher (C5) demultiplex by (ifindex, vrid) from one
// receive loop, per spec.md §4.5/§5.
type LinuxOS struct {
	nl netlink.Handle

	mu      sync.Mutex
	arpByIf map[string]*arp.Client
}

// NewLinuxOS opens a netlink handle and returns a ready-to-use OS
// collaborator. It does not open any sockets yet; OpenRecvSocket/
// OpenSendSocket do that, so a single LinuxOS can be reused across restarts.
func NewLinuxOS() (*LinuxOS, error) {
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, &OSFailure{Op: "netlink.NewHandle", Err: err}
	}
	return &LinuxOS{nl: h, arpByIf: make(map[string]*arp.Client)}, nil
}

type linuxRecvHandle struct {
	conn net.PacketConn
	pc   *ipv4.PacketConn
	buf  []byte
}

func (*linuxRecvHandle) recvHandle() {}

type linuxSendHandle struct {
	conn net.PacketConn
	pc   *ipv4.PacketConn
}

func (*linuxSendHandle) sendHandle() {}

var vrrpGroup = &net.IPAddr{IP: net.IPv4(224, 0, 0, 18)}

// OpenRecvSocket binds a single ip4:112 raw socket and joins the VRRP
// multicast group on every interface in ifaces. Transient failures (the
// address family transiently unavailable right after a netns switch, etc.)
// are retried with exponential backoff; anything still failing after that
// is a fatal OSFailure (spec.md §7 — this call only ever happens at
// startup, never mid-run).
func (l *LinuxOS) OpenRecvSocket(ifaces []string) (RecvHandle, error) {
	op := func() (*linuxRecvHandle, error) {
		conn, err := net.ListenPacket("ip4:112", "0.0.0.0")
		if err != nil {
			return nil, fmt.Errorf("listen ip4:112: %w", err)
		}
		pc := ipv4.NewPacketConn(conn)
		for _, name := range ifaces {
			ift, err := net.InterfaceByName(name)
			if err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("interface %s: %w", name, err)
			}
			if err := pc.JoinGroup(ift, vrrpGroup); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("join multicast group on %s: %w", name, err)
			}
		}
		if err := pc.SetControlMessage(ipv4.FlagTTL|ipv4.FlagSrc|ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("enable control messages: %w", err)
		}
		_ = conn.(interface{ SetReadBuffer(int) error }).SetReadBuffer(1 << 16)
		return &linuxRecvHandle{conn: conn, pc: pc, buf: make([]byte, 2048)}, nil
	}

	h, err := backoffRetry(op)
	if err != nil {
		return nil, &OSFailure{Op: "OpenRecvSocket", Err: err}
	}
	return h, nil
}

func (l *LinuxOS) OpenSendSocket() (SendHandle, error) {
	op := func() (*linuxSendHandle, error) {
		conn, err := net.ListenPacket("ip4:112", "0.0.0.0")
		if err != nil {
			return nil, err
		}
		pc := ipv4.NewPacketConn(conn)
		_ = pc.SetMulticastTTL(IPTTLVRRP)
		return &linuxSendHandle{conn: conn, pc: pc}, nil
	}
	h, err := backoffRetry(op)
	if err != nil {
		return nil, &OSFailure{Op: "OpenSendSocket", Err: err}
	}
	return h, nil
}

func (l *LinuxOS) Recv(h RecvHandle) (Frame, error) {
	rh, ok := h.(*linuxRecvHandle)
	if !ok {
		return Frame{}, &OSFailure{Op: "Recv", Err: fmt.Errorf("wrong handle type")}
	}
	n, cm, _, err := rh.pc.ReadFrom(rh.buf)
	if err != nil {
		return Frame{}, err // socket closed during shutdown: caller treats as loop-exit, not OSFailure
	}
	f := Frame{Payload: append([]byte(nil), rh.buf[:n]...)}
	if cm != nil {
		f.IfIndex = cm.IfIndex
		f.TTL = cm.TTL
		if a, ok := netip.AddrFromSlice(cm.Src); ok {
			f.SrcIP = a.Unmap()
		}
		if a, ok := netip.AddrFromSlice(cm.Dst); ok {
			f.DstIP = a.Unmap()
		}
	}
	return f, nil
}

func (l *LinuxOS) Send(h SendHandle, ifaceName string, vrid byte, payload []byte) error {
	sh, ok := h.(*linuxSendHandle)
	if !ok {
		return &OSFailure{Op: "Send", Err: fmt.Errorf("wrong handle type")}
	}
	ift, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return &OSFailure{Op: "Send", Err: err}
	}
	cm := &ipv4.ControlMessage{TTL: IPTTLVRRP, IfIndex: ift.Index}
	_, err = sh.pc.WriteTo(payload, cm, vrrpGroup)
	return err
}

func (l *LinuxOS) SetPromiscuous(h RecvHandle, ifaceName string, on bool) error {
	// The receive socket already filters to the VRRP multicast group and IP
	// protocol 112 per interface (OpenRecvSocket); joining/leaving that
	// group is this implementation's substitute for toggling IFF_PROMISC,
	// and is the portable primitive spec.md §9 says an implementer must
	// design in place of the original's Linux-only ifreq ioctl.
	rh, ok := h.(*linuxRecvHandle)
	if !ok {
		return &OSFailure{Op: "SetPromiscuous", Err: fmt.Errorf("wrong handle type")}
	}
	ift, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return &OSFailure{Op: "SetPromiscuous", Err: err}
	}
	if on {
		return rh.pc.JoinGroup(ift, vrrpGroup)
	}
	return rh.pc.LeaveGroup(ift, vrrpGroup)
}

func (l *LinuxOS) IfNameToIndex(name string) (int, error) {
	ift, err := net.InterfaceByName(name)
	if err != nil {
		return 0, err
	}
	return ift.Index, nil
}

func (l *LinuxOS) ListIPv4(name string) ([]netip.Addr, error) {
	return ifaceAddrs(name)
}

func (l *LinuxOS) AddVIP(ifaceName string, addr netip.Addr) error {
	link, err := l.nl.LinkByName(ifaceName)
	if err != nil {
		return &OSFailure{Op: "AddVIP", Err: err}
	}
	nlAddr := &netlink.Addr{IPNet: &net.IPNet{IP: addr.AsSlice(), Mask: net.CIDRMask(32, 32)}}
	if err := l.nl.AddrAdd(link, nlAddr); err != nil {
		return &OSFailure{Op: "AddVIP", Err: err}
	}
	return nil
}

func (l *LinuxOS) DelVIP(ifaceName string, addr netip.Addr) error {
	link, err := l.nl.LinkByName(ifaceName)
	if err != nil {
		return &OSFailure{Op: "DelVIP", Err: err}
	}
	nlAddr := &netlink.Addr{IPNet: &net.IPNet{IP: addr.AsSlice(), Mask: net.CIDRMask(32, 32)}}
	if err := l.nl.AddrDel(link, nlAddr); err != nil {
		return &OSFailure{Op: "DelVIP", Err: err}
	}
	return nil
}

func (l *LinuxOS) AddRoute(r StaticRoute, ifaceName string) error {
	link, err := l.nl.LinkByName(ifaceName)
	if err != nil {
		return &OSFailure{Op: "AddRoute", Err: err}
	}
	route := staticRouteToNetlink(r, link.Attrs().Index)
	if err := l.nl.RouteAdd(route); err != nil {
		return &OSFailure{Op: "AddRoute", Err: err}
	}
	return nil
}

func (l *LinuxOS) DelRoute(r StaticRoute, ifaceName string) error {
	link, err := l.nl.LinkByName(ifaceName)
	if err != nil {
		return &OSFailure{Op: "DelRoute", Err: err}
	}
	route := staticRouteToNetlink(r, link.Attrs().Index)
	if err := l.nl.RouteDel(route); err != nil {
		return &OSFailure{Op: "DelRoute", Err: err}
	}
	return nil
}

func staticRouteToNetlink(r StaticRoute, linkIndex int) *netlink.Route {
	ones, _ := netMaskBits(r.Mask)
	route := &netlink.Route{
		LinkIndex: linkIndex,
		Dst:       &net.IPNet{IP: r.Dest.AsSlice(), Mask: net.CIDRMask(ones, 32)},
		Priority:  int(r.Metric),
		MTU:       int(r.MTU),
	}
	if r.NextHop.IsValid() {
		route.Gw = r.NextHop.AsSlice()
	}
	return route
}

// netMaskBits converts a dotted-quad mask (as used by the supplemented
// static-route config, SPEC_FULL.md §9) into CIDR prefix bits.
func netMaskBits(mask netip.Addr) (int, error) {
	if !mask.Is4() {
		return 0, fmt.Errorf("mask must be IPv4")
	}
	b := mask.As4()
	ones, _ := net.IPv4Mask(b[0], b[1], b[2], b[3]).Size()
	return ones, nil
}

func (l *LinuxOS) SendGratuitousARP(ifaceName string, vip netip.Addr, vmac []byte) error {
	ift, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return &OSFailure{Op: "SendGratuitousARP", Err: err}
	}
	client, err := l.arpClient(ift)
	if err != nil {
		return &OSFailure{Op: "SendGratuitousARP", Err: err}
	}
	_ = client.SetWriteDeadline(time.Now().Add(500 * time.Millisecond))

	srcHW := net.HardwareAddr(vmac)
	if len(srcHW) == 0 {
		srcHW = ift.HardwareAddr
	}
	vipBytes := vip.As4()
	pkt, err := arp.NewPacket(arp.OperationReply, srcHW, net.IP(vipBytes[:]), broadcastMAC, net.IP(vipBytes[:]))
	if err != nil {
		return &OSFailure{Op: "SendGratuitousARP", Err: err}
	}
	if err := client.WriteTo(pkt, broadcastMAC); err != nil {
		return &OSFailure{Op: "SendGratuitousARP", Err: err}
	}
	return nil
}

func (l *LinuxOS) arpClient(ift *net.Interface) (*arp.Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.arpByIf[ift.Name]; ok {
		return c, nil
	}
	c, err := arp.Dial(ift)
	if err != nil {
		return nil, err
	}
	l.arpByIf[ift.Name] = c
	return c, nil
}

func (l *LinuxOS) CloseRecvSocket(h RecvHandle) error {
	rh, ok := h.(*linuxRecvHandle)
	if !ok {
		return nil
	}
	return rh.conn.Close()
}

func (l *LinuxOS) CloseSendSocket(h SendHandle) error {
	sh, ok := h.(*linuxSendHandle)
	if !ok {
		return nil
	}
	return sh.conn.Close()
}

// Close releases the netlink handle and any cached ARP clients. Call once,
// after every VR has stopped and both sockets are closed.
func (l *LinuxOS) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.arpByIf {
		_ = c.Close()
	}
	l.nl.Close()
	return nil
}

const backoffMaxAttempts = 5

// backoffRetry retries op with bounded exponential backoff, up to
// backoffMaxAttempts attempts. It is used only by the startup socket opens
// (OpenRecvSocket, OpenSendSocket), so a transient failure right at startup
// — e.g. the address family not yet up after a netns move — is retried
// before being reported fatal. Calls made after startup (Send, Recv,
// VIP/route install) do not go through it and are not retried.
func backoffRetry[T any](op func() (T, error)) (T, error) {
	ticker := backoff.NewTicker(&backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         5 * time.Second,
	})
	defer ticker.Stop()

	var zero T
	var lastErr error
	attempt := 0
	for range ticker.C {
		attempt++
		v, err := op()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt >= backoffMaxAttempts {
			break
		}
	}
	return zero, lastErr
}
