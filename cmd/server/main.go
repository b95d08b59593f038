package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/zmtools/zmagent/internal/api"
	"github.com/zmtools/zmagent/internal/config"
	"github.com/zmtools/zmagent/internal/export"
	"github.com/zmtools/zmagent/internal/logs"
	"github.com/zmtools/zmagent/internal/monitors"
	"github.com/zmtools/zmagent/internal/poller"
	"github.com/zmtools/zmagent/internal/supervise"
	"github.com/zmtools/zmagent/internal/zm"
)

const serviceName = "zmagent"

func main() {
	// 1. Environment (.env is optional, real env wins)
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[WARN] .env: %v", err)
	}

	configPath := flag.String("config", "config.yaml", "service config file")
	insecure := flag.Bool("insecure", false, "skip TLS verification toward the NVR")
	flag.Parse()

	// 2. Service config + data dir
	svc, err := config.LoadService(*configPath)
	if err != nil {
		log.Fatalf("service config: %v", err)
	}
	if err := os.MkdirAll(svc.DataDir, 0o755); err != nil {
		log.Fatalf("data dir %s: %v", svc.DataDir, err)
	}

	settingsPath := svc.SettingsPath
	if !filepath.IsAbs(settingsPath) {
		settingsPath = filepath.Join(svc.DataDir, settingsPath)
	}

	// 3. Settings (user-editable, watched for changes)
	loader := config.NewLoader(settingsPath, svc.DataDir)
	cfg, err := loader.Load()
	if err != nil {
		log.Printf("[WARN] settings: %v (starting with defaults)", err)
		cfg = loader.Snapshot()
	}
	if cfg.ZMHost == "" {
		log.Printf("[WARN] ZM_HOST is not configured; NVR calls will fail until it is set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	loader.StartWatcher(ctx)

	logManager := logs.NewManager(filepath.Join(svc.DataDir, "logs"))
	logManager.SetFileLogging(func() bool { return loader.Snapshot().LogEnable })
	defer logManager.Close()

	// 4. NVR client
	client := zm.NewClient(zm.Options{
		Host:      cfg.ZMHost,
		ZMUser:    cfg.ZMUser,
		ZMPass:    cfg.ZMPass,
		BasicUser: cfg.BasicUser,
		BasicPass: cfg.BasicPass,
		TokenPath: filepath.Join(svc.DataDir, "zm_token.json"),
		Insecure:  *insecure,
	})

	// 5. Workers
	sup := supervise.New(log.Default())

	p := poller.New(client, loader, poller.Config{
		StorePath: filepath.Join(svc.DataDir, "downloaded_ids.txt"),
	}, logManager.Logger("poller"))

	if svc.NATSURL != "" {
		nc, err := nats.Connect(svc.NATSURL, nats.Name(serviceName))
		if err != nil {
			log.Printf("[WARN] NATS connect failed: %v. Event fan-out disabled.", err)
		} else {
			defer nc.Close()
			log.Printf("connected to NATS at %s, publishing on %q", svc.NATSURL, svc.NATSSubject)
			p.SetPublisher(poller.NewNATSPublisher(nc, svc.NATSSubject, 3))
		}
	}

	if err := sup.Register(p); err != nil {
		log.Fatalf("register poller: %v", err)
	}
	pruner := logs.NewPruner(logManager, func() time.Duration {
		return loader.Snapshot().LogMaxAge
	}, logManager.Logger("logprune"))
	if err := sup.Register(pruner); err != nil {
		log.Fatalf("register logprune: %v", err)
	}
	sup.StartAll(ctx)

	// 6. HTTP surface
	exporter := export.New(client, filepath.Join(svc.DataDir, "export"), logManager.Logger("export"))
	server := api.NewServer(api.Deps{
		Settings: loader,
		Store:    config.NewStore(loader),
		NVR:      client,
		Monitors: monitors.NewCache(client, 128, 5*time.Minute),
		Exporter: exporter,
		Logs:     logManager,
		Sup:      sup,
		Logger:   log.Default(),
		Metrics:  svc.Metrics,
		BaseCtx:  ctx,
	})

	httpServer := &http.Server{
		Addr:    svc.ListenAddr,
		Handler: server.Router(),
	}
	go func() {
		log.Printf("listening on %s", svc.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	sup.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[WARN] graceful shutdown: %v", err)
	}
	log.Printf("stopped")
}
