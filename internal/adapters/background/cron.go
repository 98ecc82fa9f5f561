// Package background es la facilidad de "background sync" del daemon: un cron que
// dispara pases aunque la UI no mande señales.
package background

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"pet-health-sync/internal/domain/coordinator"
	"pet-health-sync/internal/platform/logger"
)

var ErrInvalidExpr = errors.New("invalid cron expression")

type Cron struct {
	expr string
	log  logger.Logger
	now  func() time.Time

	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

var _ coordinator.Background = (*Cron)(nil)

func NewCron(expr string, log logger.Logger) *Cron {
	if log == nil {
		log = logger.Nop()
	}
	return &Cron{
		expr: strings.TrimSpace(expr),
		log:  log.With(map[string]any{"component": "background"}),
		now:  time.Now,
	}
}

// Register arranca el loop. Sin expresión configurada no hay facilidad de background.
func (c *Cron) Register(trigger func()) error {
	if c.expr == "" {
		return coordinator.ErrUnsupported
	}
	if !gronx.IsValid(c.expr) {
		return ErrInvalidExpr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return nil
	}
	c.stop = make(chan struct{})

	c.wg.Add(1)
	go c.loop(trigger, c.stop)
	c.log.Info("background_sync_registered", map[string]any{"cron": c.expr})
	return nil
}

func (c *Cron) Stop() {
	c.mu.Lock()
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Cron) loop(trigger func(), stop <-chan struct{}) {
	defer c.wg.Done()

	for {
		next, err := gronx.NextTickAfter(c.expr, c.now(), false)
		if err != nil {
			c.log.Warn("background_next_tick_failed", map[string]any{"error": err})
			return
		}

		t := time.NewTimer(time.Until(next))
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
			trigger()
		}
	}
}
