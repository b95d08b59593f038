package config

import (
	"context"
	"log"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartWatcher reloads the settings snapshot when the file changes.
// fsnotify is the primary signal; a slow mtime poll runs as a safety net for
// editors that replace the file and filesystems without notify support.
func (l *Loader) StartWatcher(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	usePolling := false
	if err != nil {
		log.Printf("[WARN] settings watcher: fsnotify unavailable (%v), polling only", err)
		usePolling = true
	} else if err := watcher.Add(l.path); err != nil {
		log.Printf("[WARN] settings watcher: cannot watch %s (%v), polling only", l.path, err)
		watcher.Close()
		usePolling = true
	}

	if !usePolling {
		go func() {
			defer watcher.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-watcher.Events:
					if !ok {
						return
					}
					if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
						// Editors often write in bursts; let them settle.
						time.Sleep(100 * time.Millisecond)
						if _, err := l.Load(); err != nil {
							log.Printf("[ERROR] settings reload: %v", err)
						} else {
							log.Printf("settings reloaded from %s", l.path)
						}
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					log.Printf("[WARN] settings watcher: %v", err)
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if changed, err := l.ReloadIfChanged(); err == nil && changed {
					log.Printf("settings reloaded from %s (poll)", l.path)
				}
			}
		}
	}()
}
