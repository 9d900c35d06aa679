package vrrpd

import (
	"net"
	"net/netip"
	"time"
)

// StaticRoute is one entry of the static-route set a VR installs alongside
// its VIP on becoming Master and withdraws on leaving Master (supplemented
// feature, SPEC_FULL.md §9, grounded on original_source/src/config.rs's
// Static block).
type StaticRoute struct {
	Dest    netip.Addr
	Mask    netip.Addr
	NextHop netip.Addr
	Metric  uint16
	MTU     uint16
}

// Parameters are the immutable, per-VR configuration spec.md §3 describes:
// fixed for the life of a VR after construction, freely readable by both the
// Dispatcher (during validation) and the owning worker (during FSM
// evaluation) without locking.
type Parameters struct {
	VRID      byte
	IfName    string
	IfIndex   int
	Priority  byte // 1..=254 non-owner, 255 owner
	AdvertInt time.Duration
	Preempt   bool
	RFC3768   bool
	AuthType  AuthType
	AuthKey   string

	VIP          netip.Addr
	IPAddrs      []netip.Addr // addresses configured on IfName
	StaticRoutes []StaticRoute

	// SkewTime and MasterDownInterval are pure functions of Priority and
	// AdvertInt (spec.md §3 invariant) computed once at construction.
	SkewTime           time.Duration
	MasterDownInterval time.Duration
}

// NewParameters validates and builds the immutable Parameters for a VR,
// enforcing the ConfigError-producing invariants of spec.md §3/§7:
//   - priority==255 iff vip is in ipAddrs
//   - advertInt >= 1s
//   - vip must be an IPv4 address
func NewParameters(vrid byte, ifName string, ifIndex int, priority byte, vip netip.Addr, ipAddrs []netip.Addr, advertInt time.Duration, preempt, rfc3768 bool, authType AuthType, authKey string, routes []StaticRoute) (*Parameters, error) {
	if !vip.Is4() {
		return nil, &ConfigError{VRID: vrid, Reason: "VIP must be an IPv4 address"}
	}
	if advertInt < time.Second {
		return nil, &ConfigError{VRID: vrid, Reason: "advert_int must be at least 1 second"}
	}
	if priority == 0 {
		return nil, &ConfigError{VRID: vrid, Reason: "priority 0 is reserved for Master-resigning adverts and cannot be configured"}
	}

	owns := false
	for _, a := range ipAddrs {
		if a == vip {
			owns = true
			break
		}
	}
	if priority == 255 && !owns {
		return nil, &ConfigError{VRID: vrid, Reason: "priority 255 (address owner) requires the VIP to be configured on the interface"}
	}
	if priority != 255 && owns {
		return nil, &ConfigError{VRID: vrid, Reason: "non-owner VR (priority < 255) must not own the VIP on its interface"}
	}
	if len(ipAddrs) == 0 {
		return nil, &ConfigError{VRID: vrid, Reason: "no IPv4 address configured on interface " + ifName}
	}

	skew := time.Second * time.Duration(256-int(priority)) / 256
	masterDown := 3*advertInt + skew

	return &Parameters{
		VRID:               vrid,
		IfName:             ifName,
		IfIndex:            ifIndex,
		Priority:           priority,
		AdvertInt:          advertInt,
		Preempt:            preempt,
		RFC3768:            rfc3768,
		AuthType:           authType,
		AuthKey:            authKey,
		VIP:                vip,
		IPAddrs:            ipAddrs,
		StaticRoutes:       routes,
		SkewTime:           skew,
		MasterDownInterval: masterDown,
	}, nil
}

// IsOwner reports whether this VR is the VIP's address owner (priority 255).
func (p *Parameters) IsOwner() bool { return p.Priority == 255 }

// primaryIPv4 returns the address used to tie-break equal-priority adverts
// (spec.md §4.4 "Tie-breaking"): the first configured IPv4 address.
func (p *Parameters) primaryIPv4() netip.Addr {
	if len(p.IPAddrs) == 0 {
		return netip.Addr{}
	}
	return p.IPAddrs[0]
}

// ifaceAddrs enumerates the IPv4 unicast addresses on the named interface,
// via the standard library (the OS collaborator contract, spec.md §6, names
// list_ipv4_on_iface abstractly; this is the default, portable
// implementation shared by every OS backend since *net.Interface.Addrs
// already works cross-platform, unlike raw sockets or routing).
func ifaceAddrs(ifName string) ([]netip.Addr, error) {
	ift, err := net.InterfaceByName(ifName)
	if err != nil {
		return nil, err
	}
	raw, err := ift.Addrs()
	if err != nil {
		return nil, err
	}
	var out []netip.Addr
	for _, a := range raw {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		v4 := ipNet.IP.To4()
		if v4 == nil {
			continue
		}
		addr, ok := netip.AddrFromSlice(v4)
		if !ok {
			continue
		}
		out = append(out, addr.Unmap())
	}
	return out, nil
}
