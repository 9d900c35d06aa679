package vrrpd

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// RFC 3768 5.1. VRRP Packet Format
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|Version| Type  | Virtual Rtr ID|   Priority    |Count IP Addrs |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|   Auth Type   |  Adver Int    |          Checksum             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                        IP Address (1)                        |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                            .                                 |
//	|                            .                                 |
//	|                            .                                 |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                       Authentication Data (1)                |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                       Authentication Data (2)                |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

const (
	headerLen = 8
	authLen   = 8
	minPDULen = headerLen + 4 + authLen // one address, no options

	vrrpVersion = 2
	vrrpTypeAdvertisement = 1

	// IPProtocolVRRP is the IANA-assigned upper-layer protocol number for VRRP.
	IPProtocolVRRP = 112
	// IPTTLVRRP is the only TTL accepted on a received VRRP datagram (RFC 3768 7.1).
	IPTTLVRRP = 255
)

// AuthType identifies the VRRP authentication scheme carried in a packet.
type AuthType byte

const (
	AuthNone   AuthType = 0
	AuthSimple AuthType = 1
	// AuthP0 and AuthP1 are vendor-specific keyed schemes (spec.md §4.2); they
	// reuse the reserved range of the auth_type field rather than any IANA value.
	AuthP0 AuthType = 0xF0
	AuthP1 AuthType = 0xF1
)

func (t AuthType) String() string {
	switch t {
	case AuthNone:
		return "none"
	case AuthSimple:
		return "simple"
	case AuthP0:
		return "hmac-sha256-truncated"
	case AuthP1:
		return "shake256-xof"
	default:
		return fmt.Sprintf("auth-type(%d)", byte(t))
	}
}

// ParseError reports why a received frame failed the codec's validation
// pipeline. It is always a MalformedPacket per spec.md §7: the caller drops
// the frame and increments a counter, never logs at more than debug level.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "vrrpd: malformed VRRP packet: " + e.Reason }

// Packet is the parsed (or to-be-built) view of a VRRPv2 advertisement.
type Packet struct {
	VRID        byte
	Priority    byte
	AuthType    AuthType
	AdvertInt   byte // seconds, 1..=255
	Checksum    uint16
	Addresses   []netip.Addr // IPv4 only
	AuthData    [authLen]byte
}

// Parse validates and decodes the VRRP PDU in raw (the VRRP payload of a
// received datagram, i.e. without any IP header). It enforces the length,
// version/type, and address-count constraints of spec.md §4.1 items 1 and
// 4-5, and the RFC 1071 checksum. IP-layer constraints (upper protocol, TTL)
// are the caller's responsibility since they come from the receive socket's
// ancillary control data, not this buffer (see Dispatcher.handleFrame).
func Parse(raw []byte) (*Packet, error) {
	if len(raw) < minPDULen {
		return nil, &ParseError{Reason: fmt.Sprintf("length %d below minimum %d", len(raw), minPDULen)}
	}
	versionType := raw[0]
	if versionType != (vrrpVersion<<4)|vrrpTypeAdvertisement {
		return nil, &ParseError{Reason: fmt.Sprintf("unexpected version/type byte %#02x", versionType)}
	}
	addrCount := int(raw[3])
	if addrCount < 1 {
		return nil, &ParseError{Reason: "addr_count is zero"}
	}
	need := headerLen + 4*addrCount + authLen
	if len(raw) < need {
		return nil, &ParseError{Reason: fmt.Sprintf("addr_count %d implies length %d, have %d", addrCount, need, len(raw))}
	}

	p := &Packet{
		VRID:      raw[1],
		Priority:  raw[2],
		AuthType:  AuthType(raw[4]),
		AdvertInt: raw[5],
		Checksum:  binary.BigEndian.Uint16(raw[6:8]),
	}
	p.Addresses = make([]netip.Addr, addrCount)
	for i := 0; i < addrCount; i++ {
		off := headerLen + 4*i
		var a4 [4]byte
		copy(a4[:], raw[off:off+4])
		p.Addresses[i] = netip.AddrFrom4(a4)
	}
	copy(p.AuthData[:], raw[headerLen+4*addrCount:need])

	// rfc1071 returns the complement of the folded sum; a PDU carrying a
	// correct checksum folds to 0xFFFF.
	if ^rfc1071(raw[:need]) != 0xFFFF {
		return nil, &ParseError{Reason: "checksum mismatch"}
	}
	return p, nil
}

// pduBytes serializes the header + address list + trailer with the checksum
// field set to checksum (callers pass 0 to get the pre-checksum PDU used as
// checksum/HMAC input, and the real value when building the final frame).
func (p *Packet) pduBytes(checksum uint16) []byte {
	n := headerLen + 4*len(p.Addresses) + authLen
	buf := make([]byte, n)
	buf[0] = (vrrpVersion << 4) | vrrpTypeAdvertisement
	buf[1] = p.VRID
	buf[2] = p.Priority
	buf[3] = byte(len(p.Addresses))
	buf[4] = byte(p.AuthType)
	buf[5] = p.AdvertInt
	binary.BigEndian.PutUint16(buf[6:8], checksum)
	for i, a := range p.Addresses {
		a4 := a.As4()
		copy(buf[headerLen+4*i:], a4[:])
	}
	copy(buf[n-authLen:], p.AuthData[:])
	return buf
}

// pduBytesNoTrailer is the "PDU_with_zero_checksum_and_no_trailer" input
// spec.md §4.2 defines the keyed authentication schemes over.
func (p *Packet) pduBytesNoTrailer() []byte {
	n := headerLen + 4*len(p.Addresses)
	buf := make([]byte, n)
	buf[0] = (vrrpVersion << 4) | vrrpTypeAdvertisement
	buf[1] = p.VRID
	buf[2] = p.Priority
	buf[3] = byte(len(p.Addresses))
	buf[4] = byte(p.AuthType)
	buf[5] = p.AdvertInt
	// checksum field left zero
	for i, a := range p.Addresses {
		a4 := a.As4()
		copy(buf[headerLen+4*i:], a4[:])
	}
	return buf
}

// Build materializes the wire bytes of p, deriving the authentication
// trailer and computing the checksum last, in that order (the
// "HMAC-then-checksum" contract, spec.md §4.1/§9 — both ends MUST follow it
// or verification silently fails).
func Build(p *Packet, secret string) []byte {
	p.AuthData = deriveAuthTrailer(p.AuthType, secret, p.pduBytesNoTrailer())
	p.Checksum = rfc1071(p.pduBytes(0))
	return p.pduBytes(p.Checksum)
}

// rfc1071 computes the RFC 1071 one's-complement checksum over data, treating
// any trailing odd byte as the high byte of a final 16-bit word.
func rfc1071(data []byte) uint16 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}
