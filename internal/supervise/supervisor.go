// Package supervise owns the long-running workers. Each worker runs in its
// own goroutine under an explicit handle; a worker that returns an error is
// restarted after a backoff pause until its context is cancelled.
package supervise

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Worker is one supervised loop. Run blocks until the context is cancelled
// or the worker fails; a nil return means a clean shutdown.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

// Status is a point-in-time view of one worker handle.
type Status struct {
	Name      string     `json:"name"`
	Running   bool       `json:"running"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Restarts  int        `json:"restarts"`
	LastError string     `json:"last_error,omitempty"`
}

type handle struct {
	worker Worker

	cancel    context.CancelFunc
	done      chan struct{}
	running   bool
	startedAt time.Time
	restarts  int
	lastErr   error
}

type Supervisor struct {
	logger *log.Logger

	mu      sync.Mutex
	handles map[string]*handle
	order   []string
}

func New(logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{logger: logger, handles: make(map[string]*handle)}
}

// Register adds a worker without starting it. Registering the same name
// twice replaces the stopped handle; a running worker must be stopped first.
func (s *Supervisor) Register(w Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[w.Name()]; ok {
		if h.running {
			return fmt.Errorf("worker %q is running", w.Name())
		}
	} else {
		s.order = append(s.order, w.Name())
	}
	s.handles[w.Name()] = &handle{worker: w}
	return nil
}

// Start launches the named worker. Starting a running worker is an error.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[name]
	if !ok {
		return fmt.Errorf("unknown worker %q", name)
	}
	if h.running {
		return fmt.Errorf("worker %q already running", name)
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	h.running = true
	h.startedAt = time.Now()
	h.lastErr = nil

	go s.runLoop(runCtx, h)
	s.logger.Printf("supervisor: started worker %q", name)
	return nil
}

// runLoop keeps the worker alive across failures. Each failed run bumps the
// restart counter and waits out an exponential backoff before relaunching.
func (s *Supervisor) runLoop(ctx context.Context, h *handle) {
	defer func() {
		s.mu.Lock()
		h.running = false
		s.mu.Unlock()
		close(h.done)
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0 // retry for as long as the context lives

	for {
		err := s.runOnce(ctx, h)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			s.logger.Printf("supervisor: worker %q exited cleanly", h.worker.Name())
			return
		}

		s.mu.Lock()
		h.lastErr = err
		h.restarts++
		s.mu.Unlock()

		pause := bo.NextBackOff()
		s.logger.Printf("[ERROR] supervisor: worker %q failed: %v (restart in %s)", h.worker.Name(), err, pause)
		select {
		case <-ctx.Done():
			return
		case <-time.After(pause):
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, h *handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.worker.Run(ctx)
}

// Stop cancels the named worker and waits for it to exit.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	h, ok := s.handles[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown worker %q", name)
	}
	if !h.running {
		s.mu.Unlock()
		return fmt.Errorf("worker %q not running", name)
	}
	cancel, done := h.cancel, h.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Printf("supervisor: stopped worker %q", name)
	return nil
}

// StartAll launches every registered worker that is not already running.
func (s *Supervisor) StartAll(ctx context.Context) {
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	s.mu.Unlock()
	for _, name := range names {
		if err := s.Start(ctx, name); err != nil {
			s.logger.Printf("[WARN] supervisor: start %q: %v", name, err)
		}
	}
}

// StopAll stops every running worker.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	s.mu.Unlock()
	for _, name := range names {
		s.mu.Lock()
		h, ok := s.handles[name]
		running := ok && h.running
		s.mu.Unlock()
		if running {
			s.Stop(name)
		}
	}
}

// StatusAll reports every handle in registration order.
func (s *Supervisor) StatusAll() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.order))
	for _, name := range s.order {
		h := s.handles[name]
		st := Status{Name: name, Running: h.running, Restarts: h.restarts}
		if h.running {
			started := h.startedAt
			st.StartedAt = &started
		}
		if h.lastErr != nil {
			st.LastError = h.lastErr.Error()
		}
		out = append(out, st)
	}
	return out
}
