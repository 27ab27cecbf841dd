// Package v2 implements the multi-file transfer protocol: once both
// peers advertise v2 support, the whole exchange runs as msgpack
// records directly over an established Transit connection, and the
// Wormhole mailbox is closed before any file data moves.
package v2

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
	"wormhole.dev/core/internal/metrics"
	"wormhole.dev/core/transit"
)

// DefaultChunkSize is the payload chunk size used by Send.
const DefaultChunkSize = 16 << 10

// OfferEntry is one node in the offer tree: either a file (Size set,
// Entries nil) or a directory (Entries set, Size zero).
type OfferEntry struct {
	Size    int64                  `msgpack:"size,omitempty"`
	Entries map[string]*OfferEntry `msgpack:"entries,omitempty"`
}

// Offer is the full file tree, keyed by top-level name.
type Offer struct {
	Files map[string]*OfferEntry `msgpack:"files"`
}

// Paths returns every file's path, as path components.
func (o Offer) Paths() [][]string {
	var out [][]string
	var walk func(prefix []string, name string, e *OfferEntry)
	walk = func(prefix []string, name string, e *OfferEntry) {
		path := append(append([]string(nil), prefix...), name)
		if e.Entries == nil {
			out = append(out, path)
			return
		}
		for child, sub := range e.Entries {
			walk(path, child, sub)
		}
	}
	for name, e := range o.Files {
		walk(nil, name, e)
	}
	return out
}

func (o Offer) sizeOf(path []string) (int64, bool) {
	entries := o.Files
	var e *OfferEntry
	for i, comp := range path {
		next, ok := entries[comp]
		if !ok {
			return 0, false
		}
		e = next
		if i < len(path)-1 {
			entries = next.Entries
		}
	}
	if e == nil || e.Entries != nil {
		return 0, false
	}
	return e.Size, true
}

// FileAnswer is the receiver's per-file acceptance decision.
type FileAnswer struct {
	File   []string `msgpack:"file"`
	Offset uint64   `msgpack:"offset"`
	SHA256 []byte   `msgpack:"sha256,omitempty"`
}

// AcceptInner is the caller-supplied sink factory for one accepted
// file: NewSink(append) opens the destination, truncating or
// appending per the resume decision baked into the FileAnswer.
type AcceptInner struct {
	Offset  uint64
	SHA256  []byte
	NewSink func(appendMode bool) (io.WriteCloser, error)
}

type wireMsg struct {
	Type       string       `msgpack:"type"`
	Offer      *Offer       `msgpack:"offer,omitempty"`
	Answer     []FileAnswer `msgpack:"answer,omitempty"`
	File       []string     `msgpack:"file,omitempty"`
	StartAt    bool         `msgpack:"start_at_offset,omitempty"`
	Payload    []byte       `msgpack:"payload,omitempty"`
	ErrMessage string       `msgpack:"message,omitempty"`
}

const (
	typeOffer       = "offer"
	typeAnswer      = "answer"
	typeFileStart   = "file-start"
	typePayload     = "payload"
	typeFileEnd     = "file-end"
	typeTransferAck = "transfer-ack"
	typeError       = "error"
)

func writeMsg(tr *transit.Transit, m wireMsg) error {
	b, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("transfer/v2: marshal %s: %w", m.Type, err)
	}
	return tr.Send().WriteRecord(b)
}

func readMsg(tr *transit.Transit) (wireMsg, error) {
	b, err := tr.Receive().ReadRecord()
	if err != nil {
		return wireMsg{}, err
	}
	var m wireMsg
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return wireMsg{}, fmt.Errorf("transfer/v2: unmarshal: %w", err)
	}
	if m.Type == typeError {
		return wireMsg{}, fmt.Errorf("%w: %s", ErrPeerError, m.ErrMessage)
	}
	return m, nil
}

// Send offers the tree and streams each accepted file, in answer
// order, from the reader the caller's openFile returns.
func Send(ctx context.Context, tr *transit.Transit, offer Offer, openFile func(path []string) (io.ReadSeeker, error)) error {
	m := metrics.FromContext(ctx)
	if err := writeMsg(tr, wireMsg{Type: typeOffer, Offer: &offer}); err != nil {
		return err
	}
	reply, err := readMsg(tr)
	if err != nil {
		return err
	}
	if reply.Type != typeAnswer {
		return fmt.Errorf("%w: expected answer, got %q", ErrProtocol, reply.Type)
	}

	for _, fa := range reply.Answer {
		size, ok := offer.sizeOf(fa.File)
		if !ok {
			return fmt.Errorf("%w: answer references unknown file %v", ErrProtocol, fa.File)
		}
		r, err := openFile(fa.File)
		if err != nil {
			return err
		}
		startAtOffset := fa.Offset > 0 && fa.Offset <= uint64(size) && len(fa.SHA256) > 0 && prefixMatches(r, fa.SHA256, fa.Offset)
		var start int64
		if startAtOffset {
			start = int64(fa.Offset)
		}
		if _, err := r.Seek(start, io.SeekStart); err != nil {
			return err
		}

		if err := writeMsg(tr, wireMsg{Type: typeFileStart, File: fa.File, StartAt: startAtOffset}); err != nil {
			return err
		}

		remaining := size - start
		buf := make([]byte, DefaultChunkSize)
		for remaining > 0 {
			n := len(buf)
			if int64(n) > remaining {
				n = int(remaining)
			}
			if _, err := io.ReadFull(r, buf[:n]); err != nil {
				return err
			}
			if err := writeMsg(tr, wireMsg{Type: typePayload, Payload: append([]byte(nil), buf[:n]...)}); err != nil {
				return err
			}
			if m != nil {
				m.BytesTransferred.WithLabelValues("sent").Add(float64(n))
			}
			remaining -= int64(n)
		}
		if err := writeMsg(tr, wireMsg{Type: typeFileEnd}); err != nil {
			return err
		}
		if c, ok := r.(io.Closer); ok {
			c.Close()
		}
	}

	return writeMsg(tr, wireMsg{Type: typeTransferAck})
}

// prefixMatches reports whether the first offset bytes of r hash to
// the sha sum the receiver supplied, so the sender knows whether to
// honor a resume request or restart the file from zero.
func prefixMatches(r io.ReadSeeker, want []byte, offset uint64) bool {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return false
	}
	h := sha256.New()
	if _, err := io.CopyN(h, r, int64(offset)); err != nil {
		return false
	}
	got := h.Sum(nil)
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// Receive waits for the offer, asks accept to decide which files (and
// at what offset) to take, streams each accepted file's payload into
// its sink in answer order, and then waits for the sender's final
// transfer-ack.
func Receive(ctx context.Context, tr *transit.Transit, accept func(Offer) (map[string]AcceptInner, error)) (Offer, error) {
	metric := metrics.FromContext(ctx)
	m, err := readMsg(tr)
	if err != nil {
		return Offer{}, err
	}
	if m.Type != typeOffer || m.Offer == nil {
		return Offer{}, fmt.Errorf("%w: expected offer, got %q", ErrProtocol, m.Type)
	}
	offer := *m.Offer

	decisions, err := accept(offer)
	if err != nil {
		return offer, err
	}

	var answer []FileAnswer
	order := make([][]string, 0, len(decisions))
	for _, path := range offer.Paths() {
		key := pathKey(path)
		if d, ok := decisions[key]; ok {
			answer = append(answer, FileAnswer{File: path, Offset: d.Offset, SHA256: d.SHA256})
			order = append(order, path)
		}
	}
	if err := writeMsg(tr, wireMsg{Type: typeAnswer, Answer: answer}); err != nil {
		return offer, err
	}

	for _, path := range order {
		size, _ := offer.sizeOf(path)
		d := decisions[pathKey(path)]

		start, err := readMsg(tr)
		if err != nil {
			return offer, err
		}
		if start.Type != typeFileStart {
			return offer, fmt.Errorf("%w: expected file-start, got %q", ErrProtocol, start.Type)
		}

		sink, err := d.NewSink(start.StartAt)
		if err != nil {
			return offer, err
		}

		want := size
		if start.StartAt {
			want = size - int64(d.Offset)
		}
		var got int64
		for {
			pm, err := readMsg(tr)
			if err != nil {
				sink.Close()
				return offer, err
			}
			if pm.Type == typeFileEnd {
				break
			}
			if pm.Type != typePayload {
				sink.Close()
				return offer, fmt.Errorf("%w: expected payload, got %q", ErrProtocol, pm.Type)
			}
			got += int64(len(pm.Payload))
			if got > want {
				sink.Close()
				return offer, ErrOversizedFile
			}
			if _, err := sink.Write(pm.Payload); err != nil {
				sink.Close()
				return offer, err
			}
			if metric != nil {
				metric.BytesTransferred.WithLabelValues("received").Add(float64(len(pm.Payload)))
			}
		}
		if err := sink.Close(); err != nil {
			return offer, err
		}
		if got != want {
			return offer, ErrShortFile
		}
	}

	final, err := readMsg(tr)
	if err != nil {
		return offer, err
	}
	if final.Type != typeTransferAck {
		return offer, fmt.Errorf("%w: expected transfer-ack, got %q", ErrProtocol, final.Type)
	}
	return offer, nil
}

// PathKey joins path components into the map key Receive's accept
// callback must use when keying its decisions map.
func PathKey(path []string) string { return pathKey(path) }

func pathKey(path []string) string {
	var s string
	for i, p := range path {
		if i > 0 {
			s += "/"
		}
		s += p
	}
	return s
}
