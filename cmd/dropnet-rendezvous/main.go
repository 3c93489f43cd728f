// cmd/dropnet-rendezvous/main.go
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"dropnet/internal/rendezvous"
)

func main() {
	addr := flag.String("addr", "0.0.0.0:7100", "listen address")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	log := logrus.New()
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	srv := rendezvous.NewServer(rendezvous.ServerOptions{Logger: log})
	if err := srv.Listen(*addr); err != nil {
		fmt.Fprintf(os.Stderr, "listen failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("rendezvous listening on:", srv.Addr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	_ = srv.Close()
}
