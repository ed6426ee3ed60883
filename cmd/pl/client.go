package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"rsc.io/qr"

	"peerline.io/app"
)

func client(args ...string) {
	set := flag.NewFlagSet(args[0], flag.ExitOnError)
	set.Usage = func() {
		fmt.Fprintf(set.Output(), "run the peerline client\n\n")
		fmt.Fprintf(set.Output(), "usage: %s %s\n\n", os.Args[0], args[0])
		fmt.Fprintf(set.Output(), "flags:\n")
		set.PrintDefaults()
	}
	sigserv := set.String("signal", "wss://signal.peerline.io/", "signalling server to use")
	httpaddr := set.String("http", "127.0.0.1:8000", "control plane listen address")
	datadir := set.String("data", ".", "directory for the keys/ folder")
	set.Parse(args[1:])

	if env := os.Getenv("PL_SIGNAL_URL"); env != "" {
		*sigserv = env
	}
	dburl := os.Getenv("DATABASE_URL_CLIENT")
	if dburl == "" {
		fatalf("DATABASE_URL_CLIENT is not set")
	}

	url := "http://" + *httpaddr
	fmt.Fprintf(flag.CommandLine.Output(), "open %s to log in\n", url)
	printqr(url)

	a := app.New(app.Config{
		ServerURL:   *sigserv,
		HTTPAddr:    *httpaddr,
		DatabaseURL: dburl,
		DataDir:     *datadir,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatalf("client: %v", err)
	}
}

// printqr renders the URL as a terminal QR code so a phone on the same
// machine's browser can jump straight to the login page.
func printqr(u string) {
	out := flag.CommandLine.Output()
	qrcode, err := qr.Encode(u, qr.L)
	if err != nil {
		return
	}
	for x := 0; x < qrcode.Size+8; x++ {
		fmt.Fprintf(out, "█")
	}
	fmt.Fprintf(out, "\n")
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
	for x := 0; x < qrcode.Size+8; x++ {
		fmt.Fprintf(out, "█")
	}
	fmt.Fprintf(out, "\n")
}
