// Package pairing runs the SPAKE2-based password-authenticated key
// agreement over an open mailbox, followed by an authenticated
// version exchange.
package pairing

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	spake2 "salsa.debian.org/vasudev/gospake2"
	_ "salsa.debian.org/vasudev/gospake2/ed25519group"
	"wormhole.dev/core/internal/metrics"
	"wormhole.dev/core/internal/wormcrypto"
	"wormhole.dev/core/rendezvous"
)

const (
	phasePake    = "pake"
	phaseVersion = "version"
)

// Pairing drives the SPAKE2 handshake on group Ed25519. Password is
// the full Code bytes, identity the AppID bytes, matching the
// symmetric construction the core uses for both peers.
type Pairing struct {
	state spake2.SPAKE2
}

// New returns a Pairing ready to Start, using code as the SPAKE2
// password and appID as the (symmetric) identity.
func New(code, appID string) *Pairing {
	return &Pairing{
		state: spake2.SPAKE2Symmetric(spake2.NewPassword(code), spake2.NewIdentityS(appID)),
	}
}

type pakeBody struct {
	PakeV1 string `json:"pake_v1"`
}

// Run sends this side's SPAKE2 message on phase "pake", waits for the
// peer's, and finishes the handshake to produce the session key. Any
// SPAKE2 failure is reported as ErrPakeFailed, since to the caller it
// is indistinguishable from an active attack or a wrong code.
func Run(ctx context.Context, mbx *rendezvous.Client, code, appID string) (wormcrypto.Key, error) {
	p := New(code, appID)

	msg := p.state.Start()
	body, err := json.Marshal(pakeBody{PakeV1: hex.EncodeToString(msg)})
	if err != nil {
		return wormcrypto.Key{}, fmt.Errorf("pairing: marshal pake body: %w", err)
	}
	if err := mbx.Add(ctx, phasePake, body); err != nil {
		return wormcrypto.Key{}, err
	}

	peerMsg, err := waitPhase(ctx, mbx, phasePake)
	if err != nil {
		return wormcrypto.Key{}, err
	}
	var peerBody pakeBody
	if err := json.Unmarshal(peerMsg.Body, &peerBody); err != nil {
		recordPakeFailure(ctx)
		return wormcrypto.Key{}, fmt.Errorf("%w: malformed pake body: %v", ErrPakeFailed, err)
	}
	peerPake, err := hex.DecodeString(peerBody.PakeV1)
	if err != nil {
		recordPakeFailure(ctx)
		return wormcrypto.Key{}, fmt.Errorf("%w: malformed pake hex: %v", ErrPakeFailed, err)
	}

	raw, err := p.state.Finish(peerPake)
	if err != nil {
		recordPakeFailure(ctx)
		return wormcrypto.Key{}, fmt.Errorf("%w: %v", ErrPakeFailed, err)
	}
	var key wormcrypto.Key
	copy(key[:], raw)
	return key, nil
}

type versionBody struct {
	AppVersions json.RawMessage `json:"app_versions"`
}

// ExchangeVersions sends the local app-chosen version blob AEAD
// encrypted under the version-phase key and returns the peer's
// decrypted blob. A decryption failure here is also ErrPakeFailed:
// it means the two sides derived different session keys.
func ExchangeVersions(ctx context.Context, mbx *rendezvous.Client, key wormcrypto.Key, mySide string, appVersions any) (json.RawMessage, error) {
	plain, err := json.Marshal(versionBody{AppVersions: mustMarshal(appVersions)})
	if err != nil {
		return nil, fmt.Errorf("pairing: marshal version body: %w", err)
	}
	vkey := wormcrypto.DerivePhaseKey(key, mySide, phaseVersion)
	sealed, err := wormcrypto.SealPhase(vkey, plain)
	if err != nil {
		return nil, err
	}
	if err := mbx.Add(ctx, phaseVersion, sealed); err != nil {
		return nil, err
	}

	peerMsg, err := waitPhase(ctx, mbx, phaseVersion)
	if err != nil {
		return nil, err
	}

	peerVKey := wormcrypto.DerivePhaseKey(key, peerMsg.Side, phaseVersion)
	peerPlain, err := wormcrypto.OpenPhase(peerVKey, peerMsg.Body)
	if err != nil {
		recordPakeFailure(ctx)
		return nil, fmt.Errorf("%w: version decrypt: %v", ErrPakeFailed, err)
	}
	var peerVersion versionBody
	if err := json.Unmarshal(peerPlain, &peerVersion); err != nil {
		recordPakeFailure(ctx)
		return nil, fmt.Errorf("%w: malformed version body: %v", ErrPakeFailed, err)
	}
	return peerVersion.AppVersions, nil
}

func recordPakeFailure(ctx context.Context) {
	if m := metrics.FromContext(ctx); m != nil {
		m.PakeFailures.Inc()
	}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// waitPhase blocks until a peer mailbox message for the given phase
// arrives.
func waitPhase(ctx context.Context, mbx *rendezvous.Client, phase string) (rendezvous.PeerMessage, error) {
	for {
		select {
		case m := <-mbx.Messages():
			if m.Phase == phase {
				return m, nil
			}
			// A message for a later phase arriving before this one is
			// a protocol violation in the handshake's strict ordering;
			// drop anything that doesn't match and keep waiting.
		case <-ctx.Done():
			return rendezvous.PeerMessage{}, ctx.Err()
		}
	}
}
