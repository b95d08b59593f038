package logs

import (
	"context"
	"log"
	"time"
)

// Pruner is a supervised worker that drops worker log files past their
// retention age. MaxAge is read per tick so settings reloads apply.
type Pruner struct {
	manager  *Manager
	maxAge   func() time.Duration
	interval time.Duration
	logger   *log.Logger
}

func NewPruner(m *Manager, maxAge func() time.Duration, logger *log.Logger) *Pruner {
	if logger == nil {
		logger = log.Default()
	}
	return &Pruner{manager: m, maxAge: maxAge, interval: time.Hour, logger: logger}
}

func (p *Pruner) Name() string { return "logprune" }

func (p *Pruner) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := p.manager.Prune(p.maxAge()); n > 0 {
				p.logger.Printf("logprune: removed %d stale log files", n)
			}
		}
	}
}
