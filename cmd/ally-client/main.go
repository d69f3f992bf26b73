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
	"kaitag-ally/internal/web"
)

func main() {
	var configPath, envPath, summarize string
	flag.StringVar(&configPath, "config", "", "Path to YAML config (defaults when empty)")
	flag.StringVar(&envPath, "env", ".env", "Optional dotenv file")
	flag.StringVar(&summarize, "summarize-log", "", "Print a summary of a recorded frame log and exit")
	flag.Parse()

	if summarize != "" {
		if err := printLogSummary(os.Stdout, summarize); err != nil {
			log.Fatalf("summarize failed: %v", err)
		}
		return
	}

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

	status := web.NewStatus("ally-client")
	rt, err := newClientRuntime(cfg, status)
	if err != nil {
		log.Fatalf("client init failed: %v", err)
	}
	defer rt.Close()

	log.Printf("ally-client starting server=%s team=%s sensor=%s", cfg.Client.ServerURL, cfg.Client.Team, cfg.Sensor.Mode)
	if err := rt.Start(ctx); err != nil {
		log.Fatalf("client start failed: %v", err)
	}

	if cfg.Client.StatusListen != "" {
		h := web.Handler(web.Deps{Service: "ally-client", Status: status, Logs: logBuf, Heading: rt.heading})
		go func() {
			if err := web.Serve(ctx, cfg.Client.StatusListen, h); err != nil && ctx.Err() == nil {
				log.Printf("status server stopped: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Printf("ally-client stopping")
}
