package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samsamfire/goecat/pkg/config"
	"github.com/samsamfire/goecat/pkg/sim"
	log "github.com/sirupsen/logrus"
)

// Serves a simulated segment to the "virtual" link of ecatd

func main() {
	configPath := flag.String("c", "", "configuration file (.ini, .yaml), default segment if empty")
	listen := flag.String("l", config.DefaultChannel, "listen address of the segment")
	cycle := flag.Duration("cycle", sim.DefaultCycleTime, "time the slaves advance on every frame")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config : %v", err)
		}
		cfg = loaded
	}
	if *cycle <= 0 || *cycle > time.Second {
		log.Fatalf("invalid cycle time : %v", *cycle)
	}

	segment := sim.FromConfigs(sim.Config{CycleTime: *cycle}, cfg.Slaves)
	for i, d := range segment.Devices() {
		log.Infof("slave %d : station 0x%x", i, d.Station())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	listener, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Fatalf("listen : %v", err)
	}
	if err := segment.Serve(ctx, listener); err != nil {
		log.Fatalf("serve : %v", err)
	}
	log.Infof("stopped after %d frames", segment.Frames())
}
