// Package wormhole ties the rendezvous and pairing packages together
// into the authenticated, phase-numbered send/receive surface that
// application protocols (transfer, forwarding) run their handshake
// over.
package wormhole

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"wormhole.dev/core/internal/wormcrypto"
	"wormhole.dev/core/pairing"
	"wormhole.dev/core/rendezvous"
)

// Wormhole is an authenticated byte-and-JSON channel multiplexed over
// an open mailbox, keyed by the SPAKE2 session key.
type Wormhole struct {
	appID string
	mbx   *rendezvous.Client
	key   wormcrypto.Key

	peerVersion json.RawMessage
	myVersion   any

	outPhase atomic.Int64

	mu         sync.Mutex
	deliveredC chan []byte
	recvErr    error
}

// Open allocates a nameplate, runs pairing, and returns the code that
// was used (so the caller can display it) along with the established
// Wormhole. myVersion is the application's own app_versions value,
// marshaled and sent during the version phase.
func Open(ctx context.Context, rendezvousURL, appID string, code string, myVersion any) (*Wormhole, string, error) {
	mbx := rendezvous.New(appID)
	if err := mbx.Connect(ctx, rendezvousURL); err != nil {
		return nil, "", err
	}
	nameplate, _, err := mbx.AllocateClaimOpen(ctx)
	if err != nil {
		return nil, "", err
	}
	fullCode := nameplate + "-" + code

	wh, err := finishPairing(ctx, mbx, fullCode, appID, myVersion)
	if err != nil {
		return nil, "", err
	}
	return wh, fullCode, nil
}

// Join claims an existing nameplate using a full code supplied
// externally (e.g. typed in by the user) and runs pairing.
func Join(ctx context.Context, rendezvousURL, appID, fullCode string, myVersion any) (*Wormhole, error) {
	nameplate, _, ok := splitCode(fullCode)
	if !ok {
		return nil, ErrMalformedCode
	}

	mbx := rendezvous.New(appID)
	if err := mbx.Connect(ctx, rendezvousURL); err != nil {
		return nil, err
	}
	if _, err := mbx.ClaimOpen(ctx, nameplate); err != nil {
		return nil, err
	}
	return finishPairing(ctx, mbx, fullCode, appID, myVersion)
}

func finishPairing(ctx context.Context, mbx *rendezvous.Client, fullCode, appID string, myVersion any) (*Wormhole, error) {
	key, err := pairing.Run(ctx, mbx, fullCode, appID)
	if err != nil {
		return nil, err
	}
	peerVersion, err := pairing.ExchangeVersions(ctx, mbx, key, mbx.Side(), myVersion)
	if err != nil {
		return nil, err
	}
	if err := mbx.ReleaseNameplate(ctx); err != nil {
		return nil, err
	}

	wh := &Wormhole{
		appID:       appID,
		mbx:         mbx,
		key:         key,
		peerVersion: peerVersion,
		myVersion:   myVersion,
		deliveredC:  make(chan []byte, 16),
	}
	go wh.pump()
	return wh, nil
}

// pump decrypts peer application-phase messages (rejecting the
// reserved pake/version phases) and feeds them, in mailbox-arrival
// order, to Receive.
func (w *Wormhole) pump() {
	for m := range w.mbx.Messages() {
		if m.Phase == "pake" || m.Phase == "version" {
			continue
		}
		phaseKey := wormcrypto.DerivePhaseKey(w.key, m.Side, m.Phase)
		plain, err := wormcrypto.OpenPhase(phaseKey, m.Body)
		if err != nil {
			w.mu.Lock()
			if w.recvErr == nil {
				w.recvErr = fmt.Errorf("wormhole: decrypt phase %q: %w", m.Phase, err)
			}
			w.mu.Unlock()
			close(w.deliveredC)
			return
		}
		w.deliveredC <- plain
	}
}

// AppID returns the application ID this Wormhole was opened with.
func (w *Wormhole) AppID() string { return w.appID }

// SessionKey returns the derived SPAKE2 session key.
func (w *Wormhole) SessionKey() wormcrypto.Key { return w.key }

// Verifier returns the 32-byte out-of-band confirmation value.
func (w *Wormhole) Verifier() [32]byte { return wormcrypto.DeriveVerifier(w.key) }

// PeerVersion returns the peer's app_versions blob from the version
// exchange.
func (w *Wormhole) PeerVersion() json.RawMessage { return w.peerVersion }

// Side returns this Wormhole's mailbox side identifier.
func (w *Wormhole) Side() string { return w.mbx.Side() }

// Send encrypts and appends payload under the next outbound phase
// number.
func (w *Wormhole) Send(ctx context.Context, payload []byte) error {
	phase := strconv.FormatInt(w.outPhase.Add(1)-1, 10)
	key := wormcrypto.DerivePhaseKey(w.key, w.mbx.Side(), phase)
	sealed, err := wormcrypto.SealPhase(key, payload)
	if err != nil {
		return err
	}
	return w.mbx.Add(ctx, phase, sealed)
}

// SendJSON marshals v and sends it as one phase message.
func (w *Wormhole) SendJSON(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wormhole: marshal: %w", err)
	}
	return w.Send(ctx, b)
}

// Receive returns the next decrypted phase payload in mailbox-arrival
// order.
func (w *Wormhole) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload, ok := <-w.deliveredC:
		if !ok {
			w.mu.Lock()
			err := w.recvErr
			w.mu.Unlock()
			if err == nil {
				err = ErrClosed
			}
			return nil, err
		}
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReceiveJSON receives one payload and unmarshals it into v. Wire
// errors and JSON parse errors are distinguished: a JSON error is
// wrapped so callers can tell the two apart.
func (w *Wormhole) ReceiveJSON(ctx context.Context, v any) error {
	b, err := w.Receive(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

// Close gracefully closes the mailbox with mood "happy".
func (w *Wormhole) Close(ctx context.Context) error {
	return w.mbx.Close(ctx, rendezvous.Happy)
}

// CloseWithMood closes the mailbox with an application-chosen mood,
// e.g. "errory" on failure.
func (w *Wormhole) CloseWithMood(ctx context.Context, mood rendezvous.Mood) error {
	return w.mbx.Close(ctx, mood)
}

func splitCode(code string) (nameplate, password string, ok bool) {
	for i := 0; i < len(code); i++ {
		if code[i] == '-' {
			return code[:i], code[i+1:], true
		}
	}
	return "", "", false
}
