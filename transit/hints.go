package transit

import (
	"encoding/json"
)

// Abilities is a bitset of connection types a side is willing to
// attempt or accept. Unknown holds any ability kind this build
// doesn't recognize, preserved verbatim so a future kind survives a
// round trip through a peer running an older build instead of being
// silently dropped (§8 property 1).
type Abilities struct {
	DirectTCPv1   bool
	RelayV1       bool
	RelayV2       bool
	NoiseCryptoV1 bool
	Unknown       []string
}

type abilityWire struct {
	Type string `json:"type"`
}

// MarshalJSON renders Abilities as the wire's list-of-tagged-objects
// form, e.g. [{"type":"direct-tcp-v1"},{"type":"relay-v1"}].
func (a Abilities) MarshalJSON() ([]byte, error) {
	var list []abilityWire
	if a.DirectTCPv1 {
		list = append(list, abilityWire{"direct-tcp-v1"})
	}
	if a.RelayV1 {
		list = append(list, abilityWire{"relay-v1"})
	}
	if a.RelayV2 {
		list = append(list, abilityWire{"relay-v2"})
	}
	if a.NoiseCryptoV1 {
		list = append(list, abilityWire{"direct-tcp-v1-noise"})
	}
	for _, kind := range a.Unknown {
		list = append(list, abilityWire{kind})
	}
	if list == nil {
		list = []abilityWire{}
	}
	return json.Marshal(list)
}

// UnmarshalJSON sets the known flags and preserves any unrecognized
// kind's raw "type" string in Unknown, rather than discarding it.
func (a *Abilities) UnmarshalJSON(b []byte) error {
	var list []abilityWire
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	*a = Abilities{}
	for _, item := range list {
		switch item.Type {
		case "direct-tcp-v1":
			a.DirectTCPv1 = true
		case "relay-v1":
			a.RelayV1 = true
		case "relay-v2":
			a.RelayV2 = true
		case "direct-tcp-v1-noise":
			a.NoiseCryptoV1 = true
		default:
			a.Unknown = append(a.Unknown, item.Type)
		}
	}
	return nil
}

// DirectHint is one directly-dialable (host, port) candidate.
type DirectHint struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	Priority float64 `json:"priority,omitempty"`
}

// RelayHint is a set of direct hints that all reach the same logical
// relay, with an optional name. It carries no relay URLs; relay-v2
// hints use the same shape.
type RelayHint struct {
	Type   string       `json:"type"`
	Hints  []DirectHint `json:"hints,omitempty"`
	Name   string       `json:"name,omitempty"`
}

// Hints is the full Transit negotiation payload exchanged as one
// message over the Wormhole. Side is this peer's freshly-minted
// 8-byte transit-level side (distinct from the 5-byte mailbox side,
// §3): it is what leader election and the relay handshake's "for side
// <tside>" line actually compare/carry, not the mailbox side.
type Hints struct {
	Side       string       `json:"side"`
	Abilities  Abilities    `json:"abilities-v1"`
	DirectV1   []DirectHint `json:"direct-tcp-v1,omitempty"`
	RelayV1    []RelayHint  `json:"relay-v1,omitempty"`
	RelayV2    []RelayHint  `json:"relay-v2,omitempty"`
}

// Merge returns the candidate set formed from self and peer hints per
// §4.5 step 3: union of direct hints, relay-v2 superseding relay-v1
// when both sides offer it.
func Merge(self, peer Hints) (direct []DirectHint, relay []RelayHint) {
	direct = append(direct, self.DirectV1...)
	direct = append(direct, peer.DirectV1...)

	if len(self.RelayV2) > 0 && len(peer.RelayV2) > 0 {
		relay = append(relay, self.RelayV2...)
		relay = append(relay, peer.RelayV2...)
		return direct, relay
	}
	relay = append(relay, self.RelayV1...)
	relay = append(relay, peer.RelayV1...)
	return direct, relay
}
