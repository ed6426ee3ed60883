// Command pl is the peerline messenger: an end-to-end-encrypted
// peer-to-peer chat with a rendezvous server for signalling and
// store-and-forward delivery.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

var subcmds = map[string]func(args ...string){
	"client": client,
	"server": server,
}

func usage() {
	w := flag.CommandLine.Output()
	fmt.Fprintf(w, "peerline is an end-to-end-encrypted p2p messenger.\n\n")
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
	// Missing .env is fine; deployments set real environment variables.
	godotenv.Load()

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
