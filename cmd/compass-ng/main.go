package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"

	"compass-ng/internal/config"
	"compass-ng/internal/web"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./configs/dev.yaml", "Path to YAML config")
	flag.Parse()

	logs := web.NewLogBuffer(2000)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(cfg, clock.New())
	if err != nil {
		log.Fatalf("app init failed: %v", err)
	}
	defer a.Close()

	log.Printf("compass-ng starting")
	log.Printf("web listen=%s platform=%s strategy=%s", cfg.Web.Listen, cfg.Platform.Kind, cfg.Compass.Strategy)
	a.Start()

	if a.nmeaUDP != nil {
		log.Printf("nmea dest=%s interval=%s talker=%s", cfg.Output.NMEA.Dest, cfg.Output.NMEA.Interval, cfg.Output.NMEA.Talker)
		go func() {
			// Output failures stay local to this goroutine.
			if err := a.RunNMEA(ctx); err != nil && ctx.Err() == nil {
				log.Printf("nmea output stopped: %v", err)
			}
		}()
	}

	err = web.Serve(ctx, cfg.Web.Listen, a.WebOptions(configPath, logs))
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("web server stopped: %v", err)
	}
	log.Printf("compass-ng stopping")
}
