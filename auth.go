package vrrpd

import (
	"crypto/hmac"
	"crypto/sha256"

	"golang.org/x/crypto/sha3"
)

// deriveAuthTrailer computes the 8-byte authentication trailer for authType
// over pdu (the "PDU_with_zero_checksum_and_no_trailer" of spec.md §4.2).
// Type 0/Simple ignore pdu entirely; it exists only to give the keyed
// schemes something to bind the trailer to.
func deriveAuthTrailer(authType AuthType, secret string, pdu []byte) [authLen]byte {
	var out [authLen]byte
	switch authType {
	case AuthNone:
		// all zero
	case AuthSimple:
		copy(out[:], secret) // zero-padded if secret is shorter than 8 bytes
	case AuthP0:
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(pdu)
		copy(out[:], mac.Sum(nil))
	case AuthP1:
		h := sha3.NewShake256()
		h.Write([]byte(secret))
		h.Write(pdu)
		_, _ = h.Read(out[:])
	default:
		// unsupported scheme: AuthNone's all-zero trailer is used, so a peer
		// sending a non-zero trailer fails verification; nothing panics.
	}
	return out
}

// verifyAuth recomputes the trailer for p under the VR's configured
// auth type and secret and compares it against the trailer the packet
// actually carries. A mismatch is always an AuthMismatch (spec.md §7):
// drop, log at medium severity, never transition FSM state.
func verifyAuth(p *Packet, secret string) bool {
	want := deriveAuthTrailer(p.AuthType, secret, p.pduBytesNoTrailer())
	return hmac.Equal(want[:], p.AuthData[:])
}
