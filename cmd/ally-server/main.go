package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"kaitag-ally/internal/config"
	"kaitag-ally/internal/registry"
	"kaitag-ally/internal/web"
)

func main() {
	var configPath, envPath string
	flag.StringVar(&configPath, "config", "", "Path to YAML config (defaults when empty)")
	flag.StringVar(&envPath, "env", ".env", "Optional dotenv file")
	flag.Parse()

	logBuf := web.NewLogBuffer(500)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	if err := config.LoadDotEnv(envPath); err != nil {
		log.Fatalf("dotenv load failed: %v", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := registry.New(registry.Config{
		StaleAfter:    cfg.Server.StaleAfter,
		SweepInterval: cfg.Server.SweepInterval,
	})
	reg.Start()
	defer reg.Close()

	status := web.NewStatus("ally-server")
	status.SetStatic("listen", cfg.Server.Listen)
	status.SetStatic("stale_after", cfg.Server.StaleAfter.String())

	if cfg.Server.DemoPeers.Enable {
		demo := newDemoPeers(reg, cfg.Server.DemoPeers)
		status.Provide("demo_peers", func() any { return demo.Snapshot() })
		go demo.Run(ctx)
	}

	h := web.LoggingMiddleware(web.Handler(web.Deps{
		Service:  "ally-server",
		Registry: reg,
		Status:   status,
		Logs:     logBuf,
	}))

	log.Printf("ally-server starting listen=%s", cfg.Server.Listen)
	if err := web.Serve(ctx, cfg.Server.Listen, h); err != nil && ctx.Err() == nil {
		log.Fatalf("web server failed: %v", err)
	}
	log.Printf("ally-server stopping")
}
