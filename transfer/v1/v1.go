// Package v1 implements the original single-file (or single-tarred-
// directory) transfer protocol: a JSON offer/answer exchanged over
// the Wormhole mailbox, followed by a Transit record stream carrying
// the raw bytes and a final SHA-256 acknowledgement.
package v1

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"wormhole.dev/core/internal/metrics"
	"wormhole.dev/core/internal/wormcrypto"
	"wormhole.dev/core/transit"
	"wormhole.dev/core/wormhole"
)

// FileOffer describes a single file.
type FileOffer struct {
	Filename string `json:"filename"`
	Filesize int64  `json:"filesize"`
}

// DirectoryOffer describes a tar-streamed directory; Numbytes is the
// exact tar byte length, pre-computed by a dry-run pass.
type DirectoryOffer struct {
	Dirname  string `json:"dirname"`
	Mode     string `json:"mode"`
	Numbytes int64  `json:"numbytes"`
}

// Offer is the tagged union sent by the sender.
type Offer struct {
	Message   *string         `json:"message,omitempty"`
	File      *FileOffer      `json:"file,omitempty"`
	Directory *DirectoryOffer `json:"directory,omitempty"`
}

// Answer is the tagged union sent back by the receiver.
type Answer struct {
	MessageAck string `json:"message_ack,omitempty"`
	FileAck    string `json:"file_ack,omitempty"`
}

type transitMsg struct {
	Transit *transit.Hints `json:"transit,omitempty"`
}

type offerMsg struct {
	Offer *Offer `json:"offer,omitempty"`
}

type answerMsg struct {
	Answer *Answer `json:"answer,omitempty"`
}

type ackMsg struct {
	Ack    string `json:"ack,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SendMessage offers a short text message; no Transit connection is
// established.
func SendMessage(ctx context.Context, wh *wormhole.Wormhole, text string) error {
	if err := wh.SendJSON(ctx, offerMsg{Offer: &Offer{Message: &text}}); err != nil {
		return err
	}
	var reply answerMsg
	if err := wh.ReceiveJSON(ctx, &reply); err != nil {
		return err
	}
	if reply.Answer == nil || reply.Answer.MessageAck != "ok" {
		return ErrOfferRejected
	}
	return nil
}

// firstMsg is a superset of the two possible opening messages a
// receiver can see: a bare text offer, or a transit-hints message
// that precedes a file/directory offer. The receiver must inspect
// which arrived before it knows which path to take.
type firstMsg struct {
	Transit *transit.Hints `json:"transit,omitempty"`
	Offer   *Offer         `json:"offer,omitempty"`
}

// Received is the result of Receive: either a text Message, or a file
// or directory Offer whose body has already been streamed into dst.
type Received struct {
	Message *string
	Offer   Offer
}

// Receive waits for whichever opening message the sender chose (a
// bare text offer, or a transit-hints message that precedes a file or
// directory transfer) and drives that path to completion, streaming
// any file/directory body into dst.
func Receive(ctx context.Context, wh *wormhole.Wormhole, cfg transit.Config, abilities transit.Abilities, dst io.Writer) (Received, error) {
	raw, err := wh.Receive(ctx)
	if err != nil {
		return Received{}, err
	}
	var first firstMsg
	if err := json.Unmarshal(raw, &first); err != nil {
		return Received{}, fmt.Errorf("%w: %v", ErrUnexpectedOffer, err)
	}

	switch {
	case first.Offer != nil && first.Offer.Message != nil:
		if err := wh.SendJSON(ctx, answerMsg{Answer: &Answer{MessageAck: "ok"}}); err != nil {
			return Received{}, err
		}
		return Received{Message: first.Offer.Message}, nil
	case first.Transit != nil:
		offer, err := receiveFile(ctx, wh, cfg, abilities, *first.Transit, dst)
		if err != nil {
			return Received{}, err
		}
		return Received{Offer: offer}, nil
	default:
		return Received{}, fmt.Errorf("%w: neither a message nor a transit hints message", ErrUnexpectedOffer)
	}
}

// SendFile offers a file of the given name and size, exchanges
// Transit hints, connects, streams body, and validates the receiver's
// final SHA-256 acknowledgement.
func SendFile(ctx context.Context, wh *wormhole.Wormhole, cfg transit.Config, abilities transit.Abilities, name string, size int64, body io.Reader) error {
	return sendBody(ctx, wh, cfg, abilities, &Offer{File: &FileOffer{Filename: name, Filesize: size}}, body)
}

// SendDirectory tars root deterministically (POSIX-ustar), dry-running
// once to learn the exact byte length, then streams the real tar and
// cross-checks its digest against the dry run.
func SendDirectory(ctx context.Context, wh *wormhole.Wormhole, cfg transit.Config, abilities transit.Abilities, dirname string, walk func(tw *tar.Writer) error) error {
	dryHasher := sha256.New()
	dryCounter := &countingWriter{w: dryHasher}
	dryTar := tar.NewWriter(dryCounter)
	if err := walk(dryTar); err != nil {
		return fmt.Errorf("transfer/v1: dry-run tar: %w", err)
	}
	if err := dryTar.Close(); err != nil {
		return err
	}
	dryDigest := dryHasher.Sum(nil)
	size := dryCounter.n

	pr, pw := io.Pipe()
	realHasher := sha256.New()
	go func() {
		tw := tar.NewWriter(io.MultiWriter(pw, realHasher))
		err := walk(tw)
		if err == nil {
			err = tw.Close()
		}
		pw.CloseWithError(err)
	}()

	offer := &Offer{Directory: &DirectoryOffer{Dirname: dirname, Mode: "tar", Numbytes: size}}
	if err := sendBody(ctx, wh, cfg, abilities, offer, pr); err != nil {
		return err
	}
	if hex.EncodeToString(realHasher.Sum(nil)) != hex.EncodeToString(dryDigest) {
		return ErrFilesystemSkew
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func sendBody(ctx context.Context, wh *wormhole.Wormhole, cfg transit.Config, abilities transit.Abilities, offer *Offer, body io.Reader) error {
	myHints, ln, err := transit.GatherHints(cfg, abilities)
	if err != nil {
		return err
	}
	defer ln.Close()

	if err := wh.SendJSON(ctx, transitMsg{Transit: &myHints}); err != nil {
		return err
	}
	var peerTransit transitMsg
	if err := wh.ReceiveJSON(ctx, &peerTransit); err != nil {
		return err
	}
	if err := wh.SendJSON(ctx, offerMsg{Offer: offer}); err != nil {
		return err
	}
	var reply answerMsg
	if err := wh.ReceiveJSON(ctx, &reply); err != nil {
		return err
	}
	if reply.Answer == nil || reply.Answer.FileAck != "ok" {
		return ErrOfferRejected
	}

	transitKey := wormcrypto.DeriveTransitKey(wh.SessionKey(), wh.AppID())
	tr, err := transit.Connect(ctx, transitKey, wh.AppID(), abilities, peerTransit.Transit.Abilities, myHints, *peerTransit.Transit, ln, myHints.Side, peerTransit.Transit.Side)
	if err != nil {
		return err
	}
	if err := wh.Close(ctx); err != nil {
		return err
	}

	m := metrics.FromContext(ctx)
	hasher := sha256.New()
	buf := make([]byte, 16<<10)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
			if werr := tr.Send().WriteRecord(buf[:n]); werr != nil {
				return werr
			}
			if m != nil {
				m.BytesTransferred.WithLabelValues("sent").Add(float64(n))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}

	final, err := tr.Receive().ReadRecord()
	if err != nil {
		return err
	}
	var ack ackMsg
	if err := json.Unmarshal(final, &ack); err != nil {
		return fmt.Errorf("transfer/v1: malformed ack: %w", err)
	}
	if ack.Ack != "ok" {
		return fmt.Errorf("%w: %s", ErrPeerError, ack.Error)
	}
	if ack.SHA256 != hex.EncodeToString(hasher.Sum(nil)) {
		return ErrChecksumMismatch
	}
	return nil
}

// receiveFile accepts a file or directory offer following a
// transit-hints message already read by Receive, runs Transit,
// streams the body into dst, and sends the final acknowledgement
// with the cleartext SHA-256.
func receiveFile(ctx context.Context, wh *wormhole.Wormhole, cfg transit.Config, abilities transit.Abilities, peerHints transit.Hints, dst io.Writer) (Offer, error) {
	myHints, ln, err := transit.GatherHints(cfg, abilities)
	if err != nil {
		return Offer{}, err
	}
	defer ln.Close()
	if err := wh.SendJSON(ctx, transitMsg{Transit: &myHints}); err != nil {
		return Offer{}, err
	}

	var o offerMsg
	if err := wh.ReceiveJSON(ctx, &o); err != nil {
		return Offer{}, err
	}
	if o.Offer == nil || (o.Offer.File == nil && o.Offer.Directory == nil) {
		return Offer{}, fmt.Errorf("%w: expected a file or directory offer", ErrUnexpectedOffer)
	}
	if err := wh.SendJSON(ctx, answerMsg{Answer: &Answer{FileAck: "ok"}}); err != nil {
		return Offer{}, err
	}

	transitKey := wormcrypto.DeriveTransitKey(wh.SessionKey(), wh.AppID())
	tr, err := transit.Connect(ctx, transitKey, wh.AppID(), abilities, peerHints.Abilities, myHints, peerHints, ln, myHints.Side, peerHints.Side)
	if err != nil {
		return Offer{}, err
	}
	if err := wh.Close(ctx); err != nil {
		return Offer{}, err
	}

	var want int64
	if o.Offer.File != nil {
		want = o.Offer.File.Filesize
	} else {
		want = o.Offer.Directory.Numbytes
	}

	m := metrics.FromContext(ctx)
	hasher := sha256.New()
	var got int64
	for got < want {
		rec, rerr := tr.Receive().ReadRecord()
		if rerr != nil {
			return Offer{}, rerr
		}
		hasher.Write(rec)
		if _, werr := dst.Write(rec); werr != nil {
			return Offer{}, werr
		}
		got += int64(len(rec))
		if m != nil {
			m.BytesTransferred.WithLabelValues("received").Add(float64(len(rec)))
		}
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	ack, err := json.Marshal(ackMsg{Ack: "ok", SHA256: digest})
	if err != nil {
		return Offer{}, err
	}
	if err := tr.Send().WriteRecord(ack); err != nil {
		return Offer{}, err
	}
	return *o.Offer, nil
}
