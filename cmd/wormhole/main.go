// Command wormhole moves text, files, and TCP connections between two
// computers over a pairing code, no account or configured server
// required beyond the defaults below.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"rsc.io/qr"
	"wormhole.dev/core/internal/cancel"
	"wormhole.dev/core/internal/metrics"
	"wormhole.dev/core/rendezvous"
	"wormhole.dev/core/wormhole"
)

const (
	defaultMailboxURL = "ws://relay.magic-wormhole.io:4000/v1"
	textFileAppID     = "lothar.com/wormhole/text-or-file-xfer"
	forwardingAppID   = "piegames.de/wormhole/port-forwarding"
)

var subcmds = map[string]func(args ...string){
	"send":          send,
	"recv":          recv,
	"forward":       forward,
	"serve-forward": serveForward,
}

var (
	mailboxURL  = flag.String("mailbox", defaultMailboxURL, "rendezvous mailbox server to use")
	relay       = flag.String("relay", "", "comma-separated relay-v1 host:port addresses to offer/accept")
	noSTUN      = flag.Bool("no-stun", false, "skip STUN external-address discovery")
	metricsAddr = flag.String("metrics-addr", "", "if set, serve Prometheus metrics at this address under /metrics")
)

func usage() {
	w := flag.CommandLine.Output()
	fmt.Fprintf(w, "wormhole moves things between computers over a short code.\n\n")
	fmt.Fprintf(w, "usage:\n\n")
	fmt.Fprintf(w, "  %s [flags] <command> [arguments]\n\n", os.Args[0])
	fmt.Fprintf(w, "commands:\n")
	for key := range subcmds {
		fmt.Fprintf(w, "  %s\n", key)
	}
	fmt.Fprintf(w, "\nflags:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	cmd, ok := subcmds[flag.Arg(0)]
	if !ok {
		flag.Usage()
		os.Exit(2)
	}
	cmd(flag.Args()...)
}

func fatalf(format string, v ...interface{}) {
	fmt.Fprintf(flag.CommandLine.Output(), format+"\n", v...)
	os.Exit(1)
}

// backgroundCtx returns the process's base context, with a *metrics.Metrics
// attached (retrievable downstream via metrics.FromContext, and served over
// HTTP if -metrics-addr was given), and a cancelFired channel that closes on
// the first Ctrl-C (SIGINT), for driving internal/cancel.Race around a
// command's long-running operation. A second SIGINT, delivered after the
// first has been observed, falls through to the process default and kills
// the process immediately.
func backgroundCtx() (context.Context, <-chan struct{}) {
	ctx := metrics.WithContext(context.Background(), serveMetrics())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	fired := make(chan struct{})
	go func() {
		<-sigCh
		close(fired)
		signal.Stop(sigCh)
	}()
	return ctx, fired
}

// serveMetrics constructs the process's Metrics and, if -metrics-addr was
// given, starts an HTTP listener exposing them at /metrics. A listener
// failure is reported but never fatal: metrics are diagnostic, not required
// for a transfer to succeed.
func serveMetrics() *metrics.Metrics {
	m := metrics.New()
	if *metricsAddr == "" {
		return m
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			fmt.Fprintf(flag.CommandLine.Output(), "metrics listener: %v\n", err)
		}
	}()
	return m
}

// raceAgainstCancel runs work under cancel.Race, notifying the peer by
// closing its mailbox with mood "scary" (the mood the spec reserves
// for an abnormal/aborted session) if cancellation or a failure fires
// first.
func raceAgainstCancel(ctx context.Context, cancelFired <-chan struct{}, wh *wormhole.Wormhole, work func(context.Context) error) error {
	return cancel.Race(ctx, cancelFired, func(nctx context.Context) error {
		return wh.CloseWithMood(nctx, rendezvous.Scary)
	}, work)
}

// printcode renders the full code as text and as a block-character QR
// code pointing a phone camera at the mailbox URL with the code as
// its fragment.
func printcode(code string) {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "%s\n", code)
	u, err := url.Parse(*mailboxURL)
	if err != nil {
		return
	}
	u.Fragment = code
	qrcode, err := qr.Encode(u.String(), qr.L)
	if err != nil {
		return
	}
	for x := 0; x < qrcode.Size; x++ {
		fmt.Fprintf(out, "█")
	}
	fmt.Fprintf(out, "████████\n")
	for x := 0; x < qrcode.Size; x++ {
		fmt.Fprintf(out, "█")
	}
	fmt.Fprintf(out, "████████\n")
	for y := 0; y < qrcode.Size; y += 2 {
		fmt.Fprintf(out, "████")
		for x := 0; x < qrcode.Size; x++ {
			switch {
			case qrcode.Black(x, y) && qrcode.Black(x, y+1):
				fmt.Fprintf(out, " ")
			case qrcode.Black(x, y):
				fmt.Fprintf(out, "▄")
			case qrcode.Black(x, y+1):
				fmt.Fprintf(out, "▀")
			default:
				fmt.Fprintf(out, "█")
			}
		}
		fmt.Fprintf(out, "████\n")
	}
	for x := 0; x < qrcode.Size; x++ {
		fmt.Fprintf(out, "█")
	}
	fmt.Fprintf(out, "████████\n")
	for x := 0; x < qrcode.Size; x++ {
		fmt.Fprintf(out, "█")
	}
	fmt.Fprintf(out, "████████\n")
	fmt.Fprintf(out, "%s\n", u.String())
}
