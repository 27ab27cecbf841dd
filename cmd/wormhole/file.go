package main

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"wormhole.dev/core/internal/cancel"
	"wormhole.dev/core/internal/wormcrypto"
	v1 "wormhole.dev/core/transfer/v1"
	v2 "wormhole.dev/core/transfer/v2"
	"wormhole.dev/core/transit"
	"wormhole.dev/core/wordlist"
	"wormhole.dev/core/wormhole"
)

// appVersions is the app_versions blob this build advertises and
// checks for during the version exchange (§9): transfer_v2 is only
// used for a file/directory transfer when both peers set it, per the
// downgrade rule. Text messages always use the v1 wire regardless, so
// they're unaffected by this flag.
type appVersions struct {
	TransferV2 bool `json:"transfer_v2"`
}

func peerSupportsV2(wh *wormhole.Wormhole) bool {
	var v appVersions
	if err := json.Unmarshal(wh.PeerVersion(), &v); err != nil {
		return false
	}
	return v.TransferV2
}

type hintsMsg struct {
	Transit *transit.Hints `json:"transit,omitempty"`
}

// negotiateFileTransitSender exchanges Transit hints over wh (sender
// speaks first) and connects, matching the ordering transfer/v1 uses
// for its own hint exchange. The mailbox stays open; the caller
// closes it.
func negotiateFileTransitSender(ctx context.Context, wh *wormhole.Wormhole) (*transit.Transit, error) {
	myHints, ln, err := transit.GatherHints(transitConfig(), fullAbilities())
	if err != nil {
		return nil, err
	}
	defer ln.Close()
	if err := wh.SendJSON(ctx, hintsMsg{Transit: &myHints}); err != nil {
		return nil, err
	}
	var peer hintsMsg
	if err := wh.ReceiveJSON(ctx, &peer); err != nil {
		return nil, err
	}
	transitKey := wormcrypto.DeriveTransitKey(wh.SessionKey(), wh.AppID())
	return transit.Connect(ctx, transitKey, wh.AppID(), fullAbilities(), peer.Transit.Abilities, myHints, *peer.Transit, ln, myHints.Side, peer.Transit.Side)
}

// negotiateFileTransitReceiver replies to a transit-hints message the
// caller already pulled off the wormhole (peerHints), then connects.
// The mailbox stays open; the caller closes it.
func negotiateFileTransitReceiver(ctx context.Context, wh *wormhole.Wormhole, peerHints transit.Hints) (*transit.Transit, error) {
	myHints, ln, err := transit.GatherHints(transitConfig(), fullAbilities())
	if err != nil {
		return nil, err
	}
	defer ln.Close()
	if err := wh.SendJSON(ctx, hintsMsg{Transit: &myHints}); err != nil {
		return nil, err
	}
	transitKey := wormcrypto.DeriveTransitKey(wh.SessionKey(), wh.AppID())
	return transit.Connect(ctx, transitKey, wh.AppID(), fullAbilities(), peerHints.Abilities, myHints, peerHints, ln, myHints.Side, peerHints.Side)
}

func sendFileV2(ctx context.Context, wh *wormhole.Wormhole, name, path string, size int64) error {
	tr, err := negotiateFileTransitSender(ctx, wh)
	if err != nil {
		return err
	}
	if err := wh.Close(ctx); err != nil {
		return err
	}
	offer := v2.Offer{Files: map[string]*v2.OfferEntry{name: {Size: size}}}
	return v2.Send(ctx, tr, offer, func(_ []string) (io.ReadSeeker, error) {
		return os.Open(path)
	})
}

func sendDirectoryV2(ctx context.Context, wh *wormhole.Wormhole, root string) error {
	offer, err := buildOfferTree(root)
	if err != nil {
		return err
	}
	tr, err := negotiateFileTransitSender(ctx, wh)
	if err != nil {
		return err
	}
	if err := wh.Close(ctx); err != nil {
		return err
	}
	return v2.Send(ctx, tr, offer, func(path []string) (io.ReadSeeker, error) {
		return os.Open(filepath.Join(append([]string{root}, path...)...))
	})
}

func buildOfferTree(root string) (v2.Offer, error) {
	files := map[string]*v2.OfferEntry{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		insertOfferEntry(files, strings.Split(filepath.ToSlash(rel), "/"), info.Size())
		return nil
	})
	if err != nil {
		return v2.Offer{}, err
	}
	return v2.Offer{Files: files}, nil
}

func insertOfferEntry(tree map[string]*v2.OfferEntry, parts []string, size int64) {
	if len(parts) == 1 {
		tree[parts[0]] = &v2.OfferEntry{Size: size}
		return
	}
	e, ok := tree[parts[0]]
	if !ok || e.Entries == nil {
		e = &v2.OfferEntry{Entries: map[string]*v2.OfferEntry{}}
		tree[parts[0]] = e
	}
	insertOfferEntry(e.Entries, parts[1:], size)
}

// recvV2 handles the file/directory path once the opening message
// turned out to be transit hints under mutual transfer_v2 support: it
// replies with its own hints, connects Transit, and drives the
// multi-file v2 protocol directly, writing each accepted file at its
// offered relative path under directory.
func recvV2(ctx context.Context, wh *wormhole.Wormhole, peerHints transit.Hints, directory string) ([]string, error) {
	tr, err := negotiateFileTransitReceiver(ctx, wh, peerHints)
	if err != nil {
		return nil, err
	}
	if err := wh.Close(ctx); err != nil {
		return nil, err
	}

	var written []string
	_, err = v2.Receive(ctx, tr, func(offer v2.Offer) (map[string]v2.AcceptInner, error) {
		decisions := make(map[string]v2.AcceptInner)
		for _, path := range offer.Paths() {
			path := path
			clean := make([]string, len(path))
			for i, p := range path {
				clean[i] = filepath.Base(filepath.Clean(p))
			}
			dest := filepath.Join(append([]string{directory}, clean...)...)
			written = append(written, dest)
			decisions[v2.PathKey(path)] = v2.AcceptInner{
				NewSink: func(appendMode bool) (io.WriteCloser, error) {
					if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
						return nil, err
					}
					flag := os.O_CREATE | os.O_WRONLY
					if appendMode {
						flag |= os.O_APPEND
					} else {
						flag |= os.O_TRUNC
					}
					return os.OpenFile(dest, flag, 0o644)
				},
			}
		}
		return decisions, nil
	})
	return written, err
}

// getUniquePath finds a filename that does not already exist, adding
// or incrementing a "_N" suffix ahead of the extension so a receive
// never silently clobbers an existing file.
func getUniquePath(path string) string {
	if _, err := os.Stat(path); err != nil {
		return path
	}

	lastDot := strings.LastIndex(path, ".")
	if lastDot == -1 {
		return getUniquePath(fmt.Sprintf("%s_1", path))
	}
	filenameAndSuffix, extension := path[:lastDot], path[lastDot:]
	lastUnderscore := strings.LastIndex(filenameAndSuffix, "_")
	if lastUnderscore == -1 {
		return getUniquePath(fmt.Sprintf("%s_%d%s", filenameAndSuffix, 1, extension))
	}
	filename, suffix := filenameAndSuffix[:lastUnderscore], filenameAndSuffix[lastUnderscore:]
	if n, err := strconv.Atoi(suffix[1:]); err == nil {
		return getUniquePath(fmt.Sprintf("%s_%d%s", filename, n+1, extension))
	}
	return getUniquePath(fmt.Sprintf("%s_%d%s", filenameAndSuffix, 1, extension))
}

func transitConfig() transit.Config {
	cfg := transit.Config{DisableSTUN: *noSTUN}
	if *relay != "" {
		cfg.RelayV1 = strings.Split(*relay, ",")
	}
	return cfg
}

func fullAbilities() transit.Abilities {
	return transit.Abilities{DirectTCPv1: true, RelayV1: true, NoiseCryptoV1: true}
}

func send(args ...string) {
	set := flag.NewFlagSet(args[0], flag.ExitOnError)
	set.Usage = func() {
		fmt.Fprintf(set.Output(), "send a file, a directory, or a text message\n\n")
		fmt.Fprintf(set.Output(), "usage: %s %s [-text msg | path]\n\n", os.Args[0], args[0])
		fmt.Fprintf(set.Output(), "flags:\n")
		set.PrintDefaults()
	}
	length := set.Int("length", 2, "length of the generated code")
	text := set.String("text", "", "send a short text message instead of a file")
	code := set.String("code", "", "use this code instead of generating one")
	set.Parse(args[1:])

	ctx, cancelFired := backgroundCtx()

	password := *code
	if password == "" {
		p, err := chooseCode(*length)
		if err != nil {
			fatalf("could not generate code: %v", err)
		}
		password = p
	}

	wh, fullCode, err := wormhole.Open(ctx, *mailboxURL, textFileAppID, password, appVersions{TransferV2: true})
	if err != nil {
		fatalf("could not open wormhole: %v", err)
	}
	printcode(fullCode)
	defer wh.Close(ctx)

	if *text != "" {
		err := raceAgainstCancel(ctx, cancelFired, wh, func(workCtx context.Context) error {
			return v1.SendMessage(workCtx, wh, *text)
		})
		reportOutcome(err, "could not send message: %v")
		return
	}

	if set.NArg() != 1 {
		set.Usage()
		os.Exit(2)
	}
	path := set.Arg(0)
	info, err := os.Stat(path)
	if err != nil {
		fatalf("could not stat %s: %v", path, err)
	}
	useV2 := peerSupportsV2(wh)

	if info.IsDir() {
		err := raceAgainstCancel(ctx, cancelFired, wh, func(workCtx context.Context) error {
			if useV2 {
				return sendDirectoryV2(workCtx, wh, path)
			}
			return v1.SendDirectory(workCtx, wh, transitConfig(), fullAbilities(), filepath.Base(filepath.Clean(path)), func(tw *tar.Writer) error {
				return tarDir(tw, path)
			})
		})
		reportOutcome(err, "could not send directory: %v")
		if err == nil {
			fmt.Fprintf(set.Output(), "sent %s\n", path)
		}
		return
	}

	err = raceAgainstCancel(ctx, cancelFired, wh, func(workCtx context.Context) error {
		if useV2 {
			return sendFileV2(workCtx, wh, filepath.Base(filepath.Clean(path)), path, info.Size())
		}
		f, ferr := os.Open(path)
		if ferr != nil {
			return ferr
		}
		defer f.Close()
		return v1.SendFile(workCtx, wh, transitConfig(), fullAbilities(), filepath.Base(filepath.Clean(path)), info.Size(), f)
	})
	reportOutcome(err, "could not send file: %v")
	if err == nil {
		fmt.Fprintf(set.Output(), "sent %s\n", path)
	}
}

// reportOutcome exits the process on a non-nil err, distinguishing a
// user-triggered cancellation from any other failure.
func reportOutcome(err error, format string) {
	if err == nil {
		return
	}
	if errors.Is(err, cancel.ErrCancelled) {
		fatalf("cancelled")
	}
	fatalf(format, err)
}

func recv(args ...string) {
	set := flag.NewFlagSet(args[0], flag.ExitOnError)
	set.Usage = func() {
		fmt.Fprintf(set.Output(), "receive a file, a directory, or a text message\n\n")
		fmt.Fprintf(set.Output(), "usage: %s %s <code>\n\n", os.Args[0], args[0])
		fmt.Fprintf(set.Output(), "flags:\n")
		set.PrintDefaults()
	}
	directory := set.String("dir", ".", "directory to write received files into")
	set.Parse(args[1:])

	if set.NArg() != 1 {
		set.Usage()
		os.Exit(2)
	}
	ctx, cancelFired := backgroundCtx()

	wh, err := wormhole.Join(ctx, *mailboxURL, textFileAppID, set.Arg(0), appVersions{TransferV2: true})
	if err != nil {
		fatalf("could not join wormhole: %v", err)
	}
	defer wh.Close(ctx)

	err = raceAgainstCancel(ctx, cancelFired, wh, func(workCtx context.Context) error {
		return runReceive(workCtx, wh, *directory, set)
	})
	reportOutcome(err, "could not receive: %v")
}

// runReceive drives the opening-message dispatch (v1 text/file/dir or
// v2 multi-file, per peerSupportsV2) and streams the body into
// directory, printing each result as it lands.
func runReceive(ctx context.Context, wh *wormhole.Wormhole, directory string, set *flag.FlagSet) error {
	if peerSupportsV2(wh) {
		raw, err := wh.Receive(ctx)
		if err != nil {
			return err
		}
		var first struct {
			Offer   *v1.Offer      `json:"offer,omitempty"`
			Transit *transit.Hints `json:"transit,omitempty"`
		}
		if err := json.Unmarshal(raw, &first); err != nil {
			return fmt.Errorf("malformed opening message: %w", err)
		}
		switch {
		case first.Offer != nil && first.Offer.Message != nil:
			ack := struct {
				Answer *v1.Answer `json:"answer,omitempty"`
			}{Answer: &v1.Answer{MessageAck: "ok"}}
			if err := wh.SendJSON(ctx, ack); err != nil {
				return err
			}
			fmt.Fprintf(set.Output(), "%s\n", *first.Offer.Message)
			return nil
		case first.Transit != nil:
			written, err := recvV2(ctx, wh, *first.Transit, directory)
			if err != nil {
				return err
			}
			for _, path := range written {
				fmt.Fprintf(set.Output(), "received %s\n", path)
			}
			return nil
		default:
			return fmt.Errorf("unexpected opening message")
		}
	}

	f, err := os.CreateTemp(directory, ".wormhole-recv-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	received, err := v1.Receive(ctx, wh, transitConfig(), fullAbilities(), f)
	if err != nil {
		f.Close()
		return err
	}
	f.Close()

	switch {
	case received.Message != nil:
		fmt.Fprintf(set.Output(), "%s\n", *received.Message)
	case received.Offer.File != nil:
		dst := getUniquePath(filepath.Join(directory, filepath.Base(filepath.Clean(received.Offer.File.Filename))))
		if err := os.Rename(f.Name(), dst); err != nil {
			return fmt.Errorf("could not save %s: %w", dst, err)
		}
		fmt.Fprintf(set.Output(), "received %s\n", dst)
	case received.Offer.Directory != nil:
		if err := untarInto(f.Name(), filepath.Join(directory, filepath.Base(filepath.Clean(received.Offer.Directory.Dirname)))); err != nil {
			return fmt.Errorf("could not unpack directory: %w", err)
		}
		fmt.Fprintf(set.Output(), "received %s/\n", received.Offer.Directory.Dirname)
	}
	return nil
}

func tarDir(tw *tar.Writer, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		hdr := &tar.Header{Name: filepath.ToSlash(rel), Size: info.Size(), Mode: 0o644, ModTime: info.ModTime()}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

func untarInto(tarPath, destRoot string) error {
	f, err := os.Open(tarPath)
	if err != nil {
		return err
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		dest := filepath.Join(destRoot, filepath.Clean(hdr.Name))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		out, err := os.Create(dest)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		out.Close()
	}
}

func chooseCode(length int) (string, error) {
	return wordlist.Choose(length)
}
