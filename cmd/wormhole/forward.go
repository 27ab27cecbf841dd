package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"wormhole.dev/core/forwarding"
	"wormhole.dev/core/internal/wormcrypto"
	"wormhole.dev/core/transit"
	"wormhole.dev/core/wormhole"
)

// serveForward is the side offering TCP targets: it dials one of the
// offered addresses for each incoming connect request from the peer.
func serveForward(args ...string) {
	set := flag.NewFlagSet(args[0], flag.ExitOnError)
	set.Usage = func() {
		fmt.Fprintf(set.Output(), "offer local addresses for forwarding\n\n")
		fmt.Fprintf(set.Output(), "usage: %s %s [-code=...] host:port [host:port ...]\n\n", os.Args[0], args[0])
		fmt.Fprintf(set.Output(), "flags:\n")
		set.PrintDefaults()
	}
	length := set.Int("length", 2, "length of the generated code")
	code := set.String("code", "", "use this code instead of generating one")
	set.Parse(args[1:])

	if set.NArg() < 1 {
		set.Usage()
		os.Exit(2)
	}
	ctx, cancelFired := backgroundCtx()

	password := *code
	if password == "" {
		p, err := chooseCode(*length)
		if err != nil {
			fatalf("could not generate code: %v", err)
		}
		password = p
	}

	wh, fullCode, err := wormhole.Open(ctx, *mailboxURL, forwardingAppID, password, struct{}{})
	if err != nil {
		fatalf("could not open wormhole: %v", err)
	}
	printcode(fullCode)

	var tr *transit.Transit
	err = raceAgainstCancel(ctx, cancelFired, wh, func(workCtx context.Context) error {
		var err error
		tr, err = negotiateTransit(workCtx, wh)
		return err
	})
	reportOutcome(err, "could not establish transit: %v")

	srv := forwarding.NewServer(tr, set.Args())
	if err := srv.Serve(); err != nil {
		fatalf("forwarding session ended: %v", err)
	}
}

// forward is the consuming side: it binds a local listener for each
// requested mapping and tunnels connections to the server's offered
// addresses over Transit.
func forward(args ...string) {
	set := flag.NewFlagSet(args[0], flag.ExitOnError)
	set.Usage = func() {
		fmt.Fprintf(set.Output(), "forward local ports to a peer's offered addresses\n\n")
		fmt.Fprintf(set.Output(), "usage: %s %s <code> local:port=remote:port [...]\n\n", os.Args[0], args[0])
		fmt.Fprintf(set.Output(), "flags:\n")
		set.PrintDefaults()
	}
	set.Parse(args[1:])

	if set.NArg() < 2 {
		set.Usage()
		os.Exit(2)
	}
	ctx, cancelFired := backgroundCtx()

	wh, err := wormhole.Join(ctx, *mailboxURL, forwardingAppID, set.Arg(0), struct{}{})
	if err != nil {
		fatalf("could not join wormhole: %v", err)
	}

	var tr *transit.Transit
	err = raceAgainstCancel(ctx, cancelFired, wh, func(workCtx context.Context) error {
		var err error
		tr, err = negotiateTransit(workCtx, wh)
		return err
	})
	reportOutcome(err, "could not establish transit: %v")

	cl := forwarding.NewClient(tr)
	if _, err := cl.ReceiveOffer(); err != nil {
		fatalf("could not receive offer: %v", err)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- cl.Run() }()

	for _, mapping := range set.Args()[1:] {
		local, remote, ok := strings.Cut(mapping, "=")
		if !ok {
			fatalf("malformed mapping %q, want local:port=remote:port", mapping)
		}
		ln, err := cl.Listen(local, remote)
		if err != nil {
			fatalf("could not listen on %s: %v", local, err)
		}
		fmt.Fprintf(set.Output(), "forwarding %s -> %s\n", ln.Addr(), remote)
	}

	if err := <-runDone; err != nil {
		fatalf("forwarding session ended: %v", err)
	}
}

// negotiateTransit exchanges Transit hints over the Wormhole, closes
// it, and returns the established peer-to-peer connection, matching
// the port-forwarding ordering in §4.10 (hint exchange, then close,
// then Transit carries the rest).
func negotiateTransit(ctx context.Context, wh *wormhole.Wormhole) (*transit.Transit, error) {
	myHints, ln, err := transit.GatherHints(transitConfig(), fullAbilities())
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	type hintsMsg struct {
		Transit *transit.Hints `json:"transit,omitempty"`
	}
	if err := wh.SendJSON(ctx, hintsMsg{Transit: &myHints}); err != nil {
		return nil, err
	}
	var peer hintsMsg
	if err := wh.ReceiveJSON(ctx, &peer); err != nil {
		return nil, err
	}

	transitKey := wormcrypto.DeriveTransitKey(wh.SessionKey(), wh.AppID())
	tr, err := transit.Connect(ctx, transitKey, wh.AppID(), fullAbilities(), peer.Transit.Abilities, myHints, *peer.Transit, ln, myHints.Side, peer.Transit.Side)
	if err != nil {
		return nil, err
	}
	if err := wh.Close(ctx); err != nil {
		return nil, err
	}
	return tr, nil
}
