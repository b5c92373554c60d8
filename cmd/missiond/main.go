package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"moonlander/config"
	"moonlander/internal/missiond"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[missiond] config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[missiond] config: %v", err)
	}
	log.Printf("[missiond] poll interval: %s, products: %q, sqlite: %s",
		cfg.PollInterval, cfg.Products, cfg.SQLitePath)

	svc, err := missiond.New(cfg)
	if err != nil {
		log.Fatalf("[missiond] init failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := svc.Run(ctx); err != nil {
		log.Fatalf("[missiond] fatal: %v", err)
	}
}
