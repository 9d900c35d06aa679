package vrrpd

import (
	"net/netip"
	"sync/atomic"
	"time"
)

// advertSender is the narrow interface a VirtualRouter uses to hand a built
// frame back to whatever owns the send socket. The Dispatcher (C5) is the
// only implementation; a VR never touches a socket directly (spec.md §4.5/
// §5 — see DESIGN.md's C4 entry for why this replaced the teacher's
// per-VR vrrpConn).
type advertSender interface {
	sendAdvert(vrid byte, ifaceName string, payload []byte) error
}

// VirtualRouter is one VRRP instance's Init/Backup/Master state machine
// (spec.md §4.4), running its own event loop on its own goroutine. It never
// locks: Parameters is immutable and safely shared, and everything else
// here (state, timers) is touched only by the goroutine running run().
type VirtualRouter struct {
	params  *Parameters
	os      OS
	sender  advertSender
	metrics *Metrics

	state  uint32 // atomic State
	events chan event
	timers vrTimers

	transitionHandlers map[Transition]func(*VirtualRouter)

	done  chan struct{}
	fatal chan struct{}
}

// NewVirtualRouter builds a VR ready to Start. sender is the Dispatcher this
// VR will hand outbound frames to.
func NewVirtualRouter(params *Parameters, os OS, sender advertSender, metrics *Metrics) *VirtualRouter {
	vr := &VirtualRouter{
		params:             params,
		os:                 os,
		sender:             sender,
		metrics:            metrics,
		events:             make(chan event, notificationChannelSize),
		transitionHandlers: make(map[Transition]func(*VirtualRouter)),
		done:               make(chan struct{}),
		fatal:              make(chan struct{}),
	}
	atomic.StoreUint32(&vr.state, uint32(StateInit))
	return vr
}

// State returns the VR's current FSM state. Safe to call from any goroutine.
func (vr *VirtualRouter) State() State { return State(atomic.LoadUint32(&vr.state)) }

// VRID and IfName are convenience accessors the Dispatcher uses to key its
// worker table and route inbound frames.
func (vr *VirtualRouter) VRID() byte       { return vr.params.VRID }
func (vr *VirtualRouter) IfName() string   { return vr.params.IfName }
func (vr *VirtualRouter) IfIndex() int     { return vr.params.IfIndex }
func (vr *VirtualRouter) Done() <-chan struct{}  { return vr.done }
func (vr *VirtualRouter) Fatal() <-chan struct{} { return vr.fatal }

// OnTransition registers a callback invoked synchronously, from the VR's own
// goroutine, whenever the FSM crosses t. Mirrors the teacher's
// AddEventListener; register before Start.
func (vr *VirtualRouter) OnTransition(t Transition, handler func(*VirtualRouter)) {
	vr.transitionHandlers[t] = handler
}

// notify delivers an event to the VR's queue, blocking the caller if the
// queue is full (spec.md §3 Data Model: "overflow policy: block the
// producer"). A VR's event loop drains events fast enough in every state
// that this should never actually stall the Dispatcher's receive loop for
// long; it exists so Shutdown can never be silently dropped and deadlock
// the caller waiting on done.
func (vr *VirtualRouter) notify(e event) {
	vr.events <- e
}

// Start launches the FSM's event loop on a new goroutine and immediately
// delivers Startup.
func (vr *VirtualRouter) Start() {
	go vr.run()
	vr.notify(event{kind: eventStartup})
}

// Shutdown delivers Shutdown and blocks until the event loop has returned.
func (vr *VirtualRouter) Shutdown() {
	vr.notify(event{kind: eventShutdown})
	<-vr.done
}

func (vr *VirtualRouter) run() {
	defer close(vr.done)
	defer vr.timers.cancelAll()
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("vrrpd: VR worker panicked", "vrid", vr.params.VRID, "panic", r)
			close(vr.fatal)
		}
	}()

	for {
		switch vr.State() {
		case StateInit:
			if !vr.runInit() {
				return
			}
		case StateBackup:
			if !vr.runBackup() {
				return
			}
		case StateMaster:
			if !vr.runMaster() {
				return
			}
		}
	}
}

func (vr *VirtualRouter) runInit() bool {
	e := <-vr.events
	switch e.kind {
	case eventStartup:
		if vr.params.IsOwner() {
			vr.sendAdvert(vr.params.Priority)
			vr.announceVIP()
			vr.timers.armAdvert(vr.params.AdvertInt)
			vr.setState(StateMaster, TransitionInitToMaster)
		} else {
			vr.timers.armMasterDown(vr.params.MasterDownInterval)
			vr.setState(StateBackup, TransitionInitToBackup)
		}
		return true
	case eventShutdown:
		return false
	default:
		return true
	}
}

func (vr *VirtualRouter) runBackup() bool {
	select {
	case e := <-vr.events:
		switch e.kind {
		case eventAdvert:
			vr.handleBackupAdvert(e)
		case eventShutdown:
			vr.timers.cancelAll()
			vr.setState(StateInit, TransitionBackupToInit)
			return false
		}
		return true

	case <-vr.timers.masterDownC():
		vr.sendAdvert(vr.params.Priority)
		vr.announceVIP()
		if !vr.params.IsOwner() {
			if err := vr.os.AddVIP(vr.params.IfName, vr.params.VIP); err != nil {
				log.Errorw("vrrpd: install VIP failed", "vrid", vr.params.VRID, "error", err)
			}
			for _, r := range vr.params.StaticRoutes {
				if err := vr.os.AddRoute(r, vr.params.IfName); err != nil {
					log.Errorw("vrrpd: install static route failed", "vrid", vr.params.VRID, "error", err)
				}
			}
		}
		vr.timers.cancelMasterDown()
		vr.timers.armAdvert(vr.params.AdvertInt)
		vr.setState(StateMaster, TransitionBackupToMaster)
		return true
	}
}

func (vr *VirtualRouter) handleBackupAdvert(e event) {
	switch {
	case e.advertPri == 0:
		vr.timers.armMasterDown(vr.params.SkewTime)
	case !vr.params.Preempt || e.advertPri >= vr.params.Priority:
		vr.timers.armMasterDown(vr.params.MasterDownInterval)
	default:
		// preempt enabled and this advert is weaker than us: ignore it.
	}
}

func (vr *VirtualRouter) runMaster() bool {
	select {
	case e := <-vr.events:
		switch e.kind {
		case eventAdvert:
			return vr.handleMasterAdvert(e)
		case eventShutdown:
			vr.sendAdvert(0)
			vr.withdrawAsMaster()
			vr.timers.cancelAll()
			vr.setState(StateInit, TransitionMasterToInit)
			return false
		}
		return true

	case <-vr.timers.advertC():
		vr.sendAdvert(vr.params.Priority)
		return true
	}
}

func (vr *VirtualRouter) handleMasterAdvert(e event) bool {
	switch {
	case e.advertPri == 0:
		vr.sendAdvert(vr.params.Priority)
		vr.timers.armAdvert(vr.params.AdvertInt)
		return true
	case e.advertPri > vr.params.Priority || (e.advertPri == vr.params.Priority && e.srcIP.Compare(vr.params.primaryIPv4()) > 0):
		vr.timers.cancelAdvert()
		vr.timers.armMasterDown(vr.params.MasterDownInterval)
		vr.withdrawAsMaster()
		vr.setState(StateBackup, TransitionMasterToBackup)
		return true
	default:
		return true // weaker or equal-and-losing advert from another master: ignore
	}
}

// withdrawAsMaster removes the VIP and static routes this VR installed on
// becoming Master. The address owner never had them "installed" by us (its
// VIP is a permanent interface address per spec.md §3's owner invariant), so
// it never withdraws them either.
func (vr *VirtualRouter) withdrawAsMaster() {
	if vr.params.IsOwner() {
		return
	}
	if err := vr.os.DelVIP(vr.params.IfName, vr.params.VIP); err != nil {
		log.Errorw("vrrpd: withdraw VIP failed", "vrid", vr.params.VRID, "error", err)
	}
	for _, r := range vr.params.StaticRoutes {
		if err := vr.os.DelRoute(r, vr.params.IfName); err != nil {
			log.Errorw("vrrpd: withdraw static route failed", "vrid", vr.params.VRID, "error", err)
		}
	}
}

func (vr *VirtualRouter) announceVIP() {
	if err := vr.os.SendGratuitousARP(vr.params.IfName, vr.params.VIP, virtualRouterMAC(vr.params.VRID)); err != nil {
		log.Errorw("vrrpd: gratuitous ARP failed", "vrid", vr.params.VRID, "error", err)
	}
}

// sendAdvert builds and hands off one Advertisement. Parameters models a
// single protected VIP per VR, so addr_count is always 1 regardless of
// params.RFC3768 — strict mode's "addr_count=1, VIP only" constraint is
// already the only shape this sender can produce. The flag still matters to
// receive-side peers running a multi-address implementation, which is why
// it's carried through config rather than dropped.
func (vr *VirtualRouter) sendAdvert(priority byte) {
	addrs := []netip.Addr{vr.params.VIP}
	pkt := &Packet{
		VRID:      vr.params.VRID,
		Priority:  priority,
		AuthType:  vr.params.AuthType,
		AdvertInt: advertIntSeconds(vr.params.AdvertInt),
		Addresses: addrs,
	}
	payload := Build(pkt, vr.params.AuthKey)
	if err := vr.sender.sendAdvert(vr.params.VRID, vr.params.IfName, payload); err != nil {
		log.Errorw("vrrpd: send advertisement failed", "vrid", vr.params.VRID, "error", err)
	}
}

// advertIntSeconds converts d to the whole-seconds field RFC 3768 carries
// on the wire, clamped to the representable range.
func advertIntSeconds(d time.Duration) byte {
	secs := d / time.Second
	switch {
	case secs < 1:
		return 1
	case secs > 255:
		return 255
	default:
		return byte(secs)
	}
}

func (vr *VirtualRouter) setState(s State, t Transition) {
	atomic.StoreUint32(&vr.state, uint32(s))
	vr.metrics.setState(vr.params.VRID, vr.params.IfName, s)
	log.Infow("vrrpd: VR transition", "vrid", vr.params.VRID, "interface", vr.params.IfName, "transition", t.String(), "state", s.String())
	if h, ok := vr.transitionHandlers[t]; ok {
		h(vr)
	}
}
