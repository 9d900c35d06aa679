package vrrpd

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// workerKey is the (ifindex, vrid) pair the Dispatcher demultiplexes
// inbound frames by (spec.md §4.5).
type workerKey struct {
	ifIndex int
	vrid    byte
}

// Dispatcher owns the single shared receive socket, the send socket, the
// worker table, and the inbound validation pipeline. Every VirtualRouter
// sends its advertisements through it; a VirtualRouter calls the OS
// collaborator directly only for VIP and route install/withdraw and
// gratuitous ARP (see DESIGN.md's C4/C5 entries for why this replaced the
// teacher's one-socket-per-VR design).
type Dispatcher struct {
	os      OS
	metrics *Metrics

	mu      sync.RWMutex
	workers map[workerKey]*VirtualRouter
	ifaces  map[string]struct{}

	recv RecvHandle
	send SendHandle

	shuttingDown atomic.Bool
	recvDone     chan struct{}
}

// NewDispatcher builds an empty Dispatcher. Register every VirtualRouter
// before calling Run.
func NewDispatcher(os OS, metrics *Metrics) *Dispatcher {
	return &Dispatcher{
		os:       os,
		metrics:  metrics,
		workers:  make(map[workerKey]*VirtualRouter),
		ifaces:   make(map[string]struct{}),
		recvDone: make(chan struct{}),
	}
}

// Register adds vr to the worker table, keyed by (ifindex, vrid). It is an
// error to register two VRs on the same interface with the same VRID
// (spec.md §3 invariant: at most one VR instance per (ifindex, vrid)).
func (d *Dispatcher) Register(vr *VirtualRouter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := workerKey{ifIndex: vr.IfIndex(), vrid: vr.VRID()}
	if _, exists := d.workers[key]; exists {
		return &ConfigError{VRID: vr.VRID(), Reason: fmt.Sprintf("duplicate VR on interface %s", vr.IfName())}
	}
	d.workers[key] = vr
	d.ifaces[vr.IfName()] = struct{}{}
	return nil
}

func (d *Dispatcher) ifaceList() []string {
	out := make([]string, 0, len(d.ifaces))
	for name := range d.ifaces {
		out = append(out, name)
	}
	return out
}

// Run opens the shared sockets, enables promiscuous mode (multicast group
// membership, see DESIGN.md C6) on every registered interface, starts every
// VR's event loop, and then blocks running the receive loop until Shutdown
// closes the receive socket. It returns nil on a clean shutdown.
func (d *Dispatcher) Run() error {
	d.mu.RLock()
	ifaces := d.ifaceList()
	workers := make([]*VirtualRouter, 0, len(d.workers))
	for _, vr := range d.workers {
		workers = append(workers, vr)
	}
	d.mu.RUnlock()

	recv, err := d.os.OpenRecvSocket(ifaces)
	if err != nil {
		return err
	}
	send, err := d.os.OpenSendSocket()
	if err != nil {
		_ = d.os.CloseRecvSocket(recv)
		return err
	}
	d.recv, d.send = recv, send

	for _, name := range ifaces {
		if err := d.os.SetPromiscuous(d.recv, name, true); err != nil {
			log.Errorw("vrrpd: enabling promiscuous mode failed", "interface", name, "error", err)
		}
	}

	for _, vr := range workers {
		vr.Start()
	}

	defer close(d.recvDone)
	for {
		if d.shuttingDown.Load() {
			return nil
		}
		frame, err := d.os.Recv(d.recv)
		if err != nil {
			if d.shuttingDown.Load() {
				return nil
			}
			return &OSFailure{Op: "Recv", Err: err}
		}
		d.handleFrame(frame)
	}
}

// handleFrame runs the inbound validation pipeline of spec.md §4.5 — TTL
// check first, per RFC 3768 §7.1, ahead of even parsing the PDU — and, on
// success, enqueues an Advert event on the matching VR.
func (d *Dispatcher) handleFrame(f Frame) {
	if f.TTL != IPTTLVRRP {
		log.Debugw("vrrpd: dropping packet with bad TTL", "interface_index", f.IfIndex, "ttl", f.TTL)
		d.metrics.countDrop(dropMalformed, 0, "")
		return
	}

	pkt, err := Parse(f.Payload)
	if err != nil {
		log.Debugw("vrrpd: dropping malformed packet", "interface_index", f.IfIndex, "error", err)
		d.metrics.countDrop(dropMalformed, 0, "")
		return
	}

	d.mu.RLock()
	vr, ok := d.workers[workerKey{ifIndex: f.IfIndex, vrid: pkt.VRID}]
	d.mu.RUnlock()
	if !ok {
		log.Infow("vrrpd: dropping packet for unknown VR", "interface_index", f.IfIndex, "vrid", pkt.VRID)
		d.metrics.countDrop(dropUnknownVR, pkt.VRID, "")
		return
	}

	params := vr.params
	for _, owned := range params.IPAddrs {
		if f.DstIP == owned {
			log.Infow("vrrpd: dropping reflected packet", "vrid", pkt.VRID)
			d.metrics.countDrop(dropParamMismatch, pkt.VRID, params.IfName)
			return
		}
	}

	if pkt.AuthType != params.AuthType {
		log.Infow("vrrpd: dropping packet with mismatched auth type", "vrid", pkt.VRID)
		d.metrics.countDrop(dropParamMismatch, pkt.VRID, params.IfName)
		return
	}

	if !verifyAuth(pkt, params.AuthKey) {
		log.Infow("vrrpd: dropping packet with auth mismatch", "vrid", pkt.VRID, "interface", params.IfName)
		d.metrics.countDrop(dropAuthMismatch, pkt.VRID, params.IfName)
		return
	}

	if pkt.AdvertInt != advertIntSeconds(params.AdvertInt) {
		log.Infow("vrrpd: dropping packet with mismatched advert interval", "vrid", pkt.VRID)
		d.metrics.countDrop(dropParamMismatch, pkt.VRID, params.IfName)
		return
	}

	vr.notify(event{kind: eventAdvert, srcIP: f.SrcIP, advertPri: pkt.Priority})
}

// sendAdvert implements advertSender: it hands the frame to the shared send
// socket. This is the only path a VirtualRouter's advertisements take to
// the network.
func (d *Dispatcher) sendAdvert(vrid byte, ifaceName string, payload []byte) error {
	return d.os.Send(d.send, ifaceName, vrid, payload)
}

// Shutdown closes the receive socket (which ends the receive loop), delivers
// Shutdown to every worker and waits for them to exit, removes promiscuous
// mode, and closes the send socket, in that order (spec.md §4.5 "Shutdown").
func (d *Dispatcher) Shutdown() error {
	d.shuttingDown.Store(true)
	if err := d.os.CloseRecvSocket(d.recv); err != nil {
		log.Warnw("vrrpd: closing receive socket", "error", err)
	}
	<-d.recvDone

	d.mu.RLock()
	workers := make([]*VirtualRouter, 0, len(d.workers))
	for _, vr := range d.workers {
		workers = append(workers, vr)
	}
	ifaces := d.ifaceList()
	d.mu.RUnlock()

	var wg sync.WaitGroup
	for _, vr := range workers {
		wg.Add(1)
		go func(vr *VirtualRouter) {
			defer wg.Done()
			vr.Shutdown()
		}(vr)
	}
	wg.Wait()

	for _, name := range ifaces {
		if err := d.os.SetPromiscuous(d.recv, name, false); err != nil {
			log.Warnw("vrrpd: disabling promiscuous mode", "interface", name, "error", err)
		}
	}

	return d.os.CloseSendSocket(d.send)
}
