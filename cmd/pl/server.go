package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	rendezvous "peerline.io/server"
)

func server(args ...string) {
	set := flag.NewFlagSet(args[0], flag.ExitOnError)
	set.Usage = func() {
		fmt.Fprintf(set.Output(), "run the peerline rendezvous server\n\n")
		fmt.Fprintf(set.Output(), "usage: %s %s\n\n", os.Args[0], args[0])
		fmt.Fprintf(set.Output(), "flags:\n")
		set.PrintDefaults()
	}
	httpaddr := set.String("http", ":9000", "listen address")
	maxconns := set.Int("max-conns", 4096, "maximum concurrent connections")
	set.Parse(args[1:])

	dburl := os.Getenv("DATABASE_URL")
	if dburl == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	ctx := context.Background()
	store, err := rendezvous.OpenStore(ctx, dburl)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	srv := rendezvous.New(store, log.Printf)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", srv)

	hsrv := &http.Server{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Minute,
		IdleTimeout:  20 * time.Second,
		Addr:         *httpaddr,
		Handler:      mux,
	}
	lis, err := net.Listen("tcp", *httpaddr)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("rendezvous server on %s", *httpaddr)
	log.Fatal(hsrv.Serve(netutil.LimitListener(lis, *maxconns)))
}
