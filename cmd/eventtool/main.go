// eventtool is a one-shot CLI against the NVR event API, sharing the
// daemon's settings file. Useful for checking connectivity and pulling
// single clips without the full service running.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/zmtools/zmagent/internal/config"
	"github.com/zmtools/zmagent/internal/zm"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[WARN] .env: %v", err)
	}

	configPath := flag.String("config", "config.yaml", "service config file")
	monitorID := flag.String("monitor", "", "restrict to one monitor ID")
	last := flag.Duration("last", 0, "list events from the last duration, e.g. 30m")
	start := flag.String("start", "", "window start, YYYY-MM-DD HH:MM:SS")
	end := flag.String("end", "", "window end, YYYY-MM-DD HH:MM:SS")
	id := flag.String("id", "", "fetch a single event by ID")
	downloadID := flag.String("download-id", "", "download one event's clip to the current directory")
	insecure := flag.Bool("insecure", false, "skip TLS verification toward the NVR")
	flag.Parse()

	svc, err := config.LoadService(*configPath)
	if err != nil {
		log.Fatalf("service config: %v", err)
	}
	settingsPath := svc.SettingsPath
	if !filepath.IsAbs(settingsPath) {
		settingsPath = filepath.Join(svc.DataDir, settingsPath)
	}
	cfg := config.NewLoader(settingsPath, svc.DataDir).Snapshot()
	if cfg.ZMHost == "" {
		log.Fatalf("ZM_HOST is not configured (settings file %s)", settingsPath)
	}

	client := zm.NewClient(zm.Options{
		Host:      cfg.ZMHost,
		ZMUser:    cfg.ZMUser,
		ZMPass:    cfg.ZMPass,
		BasicUser: cfg.BasicUser,
		BasicPass: cfg.BasicPass,
		TokenPath: filepath.Join(svc.DataDir, "zm_token.json"),
		Insecure:  *insecure,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	switch {
	case *id != "":
		fetchOne(ctx, client, *id)
	case *downloadID != "":
		downloadOne(ctx, client, *downloadID)
	default:
		listWindow(ctx, client, *monitorID, *last, *start, *end)
	}
}

func fetchOne(ctx context.Context, client *zm.Client, id string) {
	ev, err := client.GetEvent(ctx, id)
	if err != nil {
		log.Fatalf("get event %s: %v", id, err)
	}
	printJSON(ev)
}

func downloadOne(ctx context.Context, client *zm.Client, id string) {
	body, size, err := client.OpenClip(ctx, id)
	if err != nil {
		log.Fatalf("open clip %s: %v", id, err)
	}
	defer body.Close()

	dest := fmt.Sprintf("event-%s.mp4", id)
	f, err := os.Create(dest)
	if err != nil {
		log.Fatalf("create %s: %v", dest, err)
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Fatalf("download %s: %v", id, err)
	}
	if size > 0 && n != size {
		log.Printf("[WARN] expected %d bytes, wrote %d", size, n)
	}
	fmt.Printf("wrote %s (%d bytes)\n", dest, n)
}

func listWindow(ctx context.Context, client *zm.Client, monitorID string, last time.Duration, start, end string) {
	q := zm.EventQuery{MonitorID: monitorID, Limit: 200}

	switch {
	case last > 0:
		q.StartAfter = time.Now().Add(-last)
	case start != "" && end != "":
		var err error
		q.StartAfter, err = time.ParseInLocation(zm.TimeLayout, start, time.Local)
		if err != nil {
			log.Fatalf("invalid -start: %v", err)
		}
		q.StartBefore, err = time.ParseInLocation(zm.TimeLayout, end, time.Local)
		if err != nil {
			log.Fatalf("invalid -end: %v", err)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}

	total := 0
	for page := 1; ; page++ {
		q.Page = page
		events, pg, err := client.ListEvents(ctx, q)
		if err != nil {
			log.Fatalf("list events: %v", err)
		}
		for _, ev := range events {
			state := "open"
			if ev.Closed() {
				state = "closed"
			}
			fmt.Printf("%-10s monitor=%-4s start=%s %-6s len=%ss score=%s\n",
				ev.ID, ev.MonitorID, ev.StartTime.Format(zm.TimeLayout), state, ev.Length, ev.MaxScore)
			total++
		}
		if len(events) < q.Limit || (pg.PageCount > 0 && page >= pg.PageCount) {
			break
		}
	}
	fmt.Printf("%d events\n", total)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
