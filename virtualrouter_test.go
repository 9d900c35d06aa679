package vrrpd

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []sentAdvert
}

type sentAdvert struct {
	vrid    byte
	iface   string
	payload []byte
}

func (s *recordingSender) sendAdvert(vrid byte, ifaceName string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentAdvert{vrid: vrid, iface: ifaceName, payload: append([]byte(nil), payload...)})
	return nil
}

func (s *recordingSender) last() (sentAdvert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return sentAdvert{}, false
	}
	return s.sent[len(s.sent)-1], true
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func TestOwnerBecomesMasterImmediatelyOnStartup(t *testing.T) {
	vip := netip.MustParseAddr("192.0.2.1")
	params := &Parameters{
		VRID: 51, IfName: "eth0", IfIndex: 2, Priority: 255,
		AdvertInt: 20 * time.Millisecond, AuthType: AuthNone,
		VIP: vip, IPAddrs: []netip.Addr{vip},
	}
	osImpl := newFakeOS().withInterface("eth0", 2, vip)
	sender := &recordingSender{}
	vr := NewVirtualRouter(params, osImpl, sender, newTestMetrics())

	vr.Start()
	defer vr.Shutdown()

	require.Eventually(t, func() bool { return vr.State() == StateMaster }, time.Second, time.Millisecond)

	adv, ok := sender.last()
	require.True(t, ok)
	assert.Equal(t, byte(51), adv.vrid)
	pkt, err := Parse(adv.payload)
	require.NoError(t, err)
	assert.Equal(t, byte(255), pkt.Priority)
}

func TestNonOwnerStartsInBackup(t *testing.T) {
	vip := netip.MustParseAddr("192.0.2.1")
	params := &Parameters{
		VRID: 1, IfName: "eth0", IfIndex: 2, Priority: 100,
		AdvertInt: time.Second, MasterDownInterval: time.Hour, SkewTime: time.Minute,
		AuthType: AuthNone, VIP: vip, IPAddrs: []netip.Addr{netip.MustParseAddr("192.0.2.9")},
	}
	osImpl := newFakeOS().withInterface("eth0", 2, netip.MustParseAddr("192.0.2.9"))
	vr := NewVirtualRouter(params, osImpl, &recordingSender{}, newTestMetrics())
	vr.Start()
	defer vr.Shutdown()

	require.Eventually(t, func() bool { return vr.State() == StateBackup }, time.Second, time.Millisecond)
	assert.False(t, osImpl.hasVIP("eth0", vip))
}

func TestBackupPromotesToMasterOnMasterDownExpiry(t *testing.T) {
	vip := netip.MustParseAddr("192.0.2.1")
	params := &Parameters{
		VRID: 1, IfName: "eth0", IfIndex: 2, Priority: 100,
		AdvertInt: 20 * time.Millisecond, MasterDownInterval: 30 * time.Millisecond, SkewTime: 5 * time.Millisecond,
		AuthType: AuthNone, VIP: vip, IPAddrs: []netip.Addr{netip.MustParseAddr("192.0.2.9")},
	}
	osImpl := newFakeOS().withInterface("eth0", 2, netip.MustParseAddr("192.0.2.9"))
	vr := NewVirtualRouter(params, osImpl, &recordingSender{}, newTestMetrics())
	vr.Start()
	defer vr.Shutdown()

	require.Eventually(t, func() bool { return vr.State() == StateMaster }, time.Second, time.Millisecond)
	assert.True(t, osImpl.hasVIP("eth0", vip))
	assert.NotEmpty(t, osImpl.arps)
}

func TestBackupFastPreemptsOnPriorityZeroAdvert(t *testing.T) {
	vip := netip.MustParseAddr("192.0.2.1")
	params := &Parameters{
		VRID: 1, IfName: "eth0", IfIndex: 2, Priority: 100,
		AdvertInt: 20 * time.Millisecond, MasterDownInterval: 500 * time.Millisecond, SkewTime: 15 * time.Millisecond,
		AuthType: AuthNone, VIP: vip, IPAddrs: []netip.Addr{netip.MustParseAddr("192.0.2.9")},
	}
	osImpl := newFakeOS().withInterface("eth0", 2, netip.MustParseAddr("192.0.2.9"))
	vr := NewVirtualRouter(params, osImpl, &recordingSender{}, newTestMetrics())
	vr.Start()
	defer vr.Shutdown()

	require.Eventually(t, func() bool { return vr.State() == StateBackup }, time.Second, time.Millisecond)

	start := time.Now()
	vr.notify(event{kind: eventAdvert, advertPri: 0, srcIP: netip.MustParseAddr("192.0.2.20")})

	require.Eventually(t, func() bool { return vr.State() == StateMaster }, time.Second, time.Millisecond)
	// The skew-time fast path must win well before the full master_down_interval would have.
	assert.Less(t, time.Since(start), params.MasterDownInterval)
}

func TestBackupWithPreemptIgnoresWeakerAdvert(t *testing.T) {
	vip := netip.MustParseAddr("192.0.2.1")
	params := &Parameters{
		VRID: 1, IfName: "eth0", IfIndex: 2, Priority: 100, Preempt: true,
		AdvertInt: 20 * time.Millisecond, MasterDownInterval: 60 * time.Millisecond, SkewTime: 10 * time.Millisecond,
		AuthType: AuthNone, VIP: vip, IPAddrs: []netip.Addr{netip.MustParseAddr("192.0.2.9")},
	}
	osImpl := newFakeOS().withInterface("eth0", 2, netip.MustParseAddr("192.0.2.9"))
	vr := NewVirtualRouter(params, osImpl, &recordingSender{}, newTestMetrics())
	vr.Start()
	defer vr.Shutdown()

	require.Eventually(t, func() bool { return vr.State() == StateBackup }, time.Second, time.Millisecond)
	vr.notify(event{kind: eventAdvert, advertPri: 50, srcIP: netip.MustParseAddr("192.0.2.20")})

	// A weaker advert under preempt must not keep this VR in Backup forever:
	// master_down_interval still elapses and promotion still happens.
	require.Eventually(t, func() bool { return vr.State() == StateMaster }, time.Second, time.Millisecond)
}

func TestBackupWithoutPreemptKeepsResettingOnAnyAdvert(t *testing.T) {
	vip := netip.MustParseAddr("192.0.2.1")
	params := &Parameters{
		VRID: 1, IfName: "eth0", IfIndex: 2, Priority: 100, Preempt: false,
		AdvertInt: 10 * time.Millisecond, MasterDownInterval: 40 * time.Millisecond, SkewTime: 5 * time.Millisecond,
		AuthType: AuthNone, VIP: vip, IPAddrs: []netip.Addr{netip.MustParseAddr("192.0.2.9")},
	}
	osImpl := newFakeOS().withInterface("eth0", 2, netip.MustParseAddr("192.0.2.9"))
	vr := NewVirtualRouter(params, osImpl, &recordingSender{}, newTestMetrics())
	vr.Start()
	defer vr.Shutdown()

	require.Eventually(t, func() bool { return vr.State() == StateBackup }, time.Second, time.Millisecond)

	stop := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(stop) {
		vr.notify(event{kind: eventAdvert, advertPri: 1, srcIP: netip.MustParseAddr("192.0.2.20")})
		time.Sleep(15 * time.Millisecond)
	}
	assert.Equal(t, StateBackup, vr.State())
}

func TestMasterYieldsToHigherPriorityAdvert(t *testing.T) {
	vip := netip.MustParseAddr("192.0.2.1")
	params := &Parameters{
		VRID: 1, IfName: "eth0", IfIndex: 2, Priority: 100,
		AdvertInt: 15 * time.Millisecond, MasterDownInterval: 30 * time.Millisecond, SkewTime: 5 * time.Millisecond,
		AuthType: AuthNone, VIP: vip, IPAddrs: []netip.Addr{netip.MustParseAddr("192.0.2.9")},
	}
	osImpl := newFakeOS().withInterface("eth0", 2, netip.MustParseAddr("192.0.2.9"))
	vr := NewVirtualRouter(params, osImpl, &recordingSender{}, newTestMetrics())
	vr.Start()
	defer vr.Shutdown()

	require.Eventually(t, func() bool { return vr.State() == StateMaster }, time.Second, time.Millisecond)
	require.True(t, osImpl.hasVIP("eth0", vip))

	vr.notify(event{kind: eventAdvert, advertPri: 200, srcIP: netip.MustParseAddr("192.0.2.20")})

	require.Eventually(t, func() bool { return vr.State() == StateBackup }, time.Second, time.Millisecond)
	assert.False(t, osImpl.hasVIP("eth0", vip))
}

func TestMasterShutdownResignsAndWithdraws(t *testing.T) {
	vip := netip.MustParseAddr("192.0.2.1")
	params := &Parameters{
		VRID: 1, IfName: "eth0", IfIndex: 2, Priority: 100,
		AdvertInt: 15 * time.Millisecond, MasterDownInterval: 30 * time.Millisecond, SkewTime: 5 * time.Millisecond,
		AuthType: AuthNone, VIP: vip, IPAddrs: []netip.Addr{netip.MustParseAddr("192.0.2.9")},
	}
	osImpl := newFakeOS().withInterface("eth0", 2, netip.MustParseAddr("192.0.2.9"))
	sender := &recordingSender{}
	vr := NewVirtualRouter(params, osImpl, sender, newTestMetrics())
	vr.Start()

	require.Eventually(t, func() bool { return vr.State() == StateMaster }, time.Second, time.Millisecond)
	require.True(t, osImpl.hasVIP("eth0", vip))

	vr.Shutdown()

	assert.Equal(t, StateInit, vr.State())
	assert.False(t, osImpl.hasVIP("eth0", vip))
	adv, ok := sender.last()
	require.True(t, ok)
	pkt, err := Parse(adv.payload)
	require.NoError(t, err)
	assert.Equal(t, byte(0), pkt.Priority)
}

func TestOnTransitionCallbackFires(t *testing.T) {
	vip := netip.MustParseAddr("192.0.2.1")
	params := &Parameters{
		VRID: 1, IfName: "eth0", IfIndex: 2, Priority: 255,
		AdvertInt: 20 * time.Millisecond, AuthType: AuthNone,
		VIP: vip, IPAddrs: []netip.Addr{vip},
	}
	osImpl := newFakeOS().withInterface("eth0", 2, vip)
	vr := NewVirtualRouter(params, osImpl, &recordingSender{}, newTestMetrics())

	fired := make(chan struct{}, 1)
	vr.OnTransition(TransitionInitToMaster, func(*VirtualRouter) { fired <- struct{}{} })
	vr.Start()
	defer vr.Shutdown()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("transition callback never fired")
	}
}
