package main

import (
	"flag"
	"log"

	"github.com/jcrawfordor/cellscan/internal/app"
	"github.com/jcrawfordor/cellscan/internal/config"
)

func main() {
	configPath := flag.String("config", "/etc/cellscan.conf", "path to configuration file")
	flag.Parse()

	log.Println("starting cellscan survey service")

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := app.RunService(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
