package main

import (
	"flag"
	"log"
	"net/http"

	"github.com/jcrawfordor/cellscan/internal/collector"
)

func main() {
	addr := flag.String("addr", ":6402", "listen address")
	dataDir := flag.String("data", "./cellserv-data", "directory for received observations")
	certFile := flag.String("cert", "", "TLS certificate (empty serves plain HTTP)")
	keyFile := flag.String("key", "", "TLS private key")
	flag.Parse()

	handler := collector.NewHandler(*dataDir)

	log.Printf("cellserv: listening on %s, storing under %s", *addr, *dataDir)

	var err error
	if *certFile != "" {
		err = http.ListenAndServeTLS(*addr, *certFile, *keyFile, handler.Mux())
	} else {
		err = http.ListenAndServe(*addr, handler.Mux())
	}
	log.Fatalf("cellserv: %v", err)
}
