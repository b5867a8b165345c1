package scheduler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ksred/paysync-api/internal/idempotency"
	"github.com/ksred/paysync-api/pkg/response"
)

const defaultInterval = time.Minute

type Processor struct {
	executor *Executor
	guard    *idempotency.Guard
	interval time.Duration // time between executor runs

	// runs never overlap, whether started by the ticker or an admin
	mu sync.Mutex
}

func NewProcessor(executor *Executor, guard *idempotency.Guard, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Processor{
		executor: executor,
		guard:    guard,
		interval: interval,
	}
}

// Start runs the executor on every tick until ctx is cancelled
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "payment_processor").Logger()
	logger.Info().Dur("interval", p.interval).Msg("starting payment processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down payment processor")
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to process scheduled payments")
			}
			p.Housekeep(ctx)
		}
	}
}

// Housekeep drops expired idempotency state from both guard layers
func (p *Processor) Housekeep(ctx context.Context) {
	if p.guard == nil {
		return
	}
	logger := log.With().Str("component", "payment_processor").Logger()

	purged, err := p.guard.Purge(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to purge idempotency records")
	} else if purged > 0 {
		logger.Info().Int64("purged", purged).Msg("purged expired idempotency records")
	}
	if remaining, ok := p.guard.Sweep(); ok {
		logger.Debug().Int("remaining", remaining).Msg("swept seen event ids")
	}
}

func (p *Processor) RunOnce(ctx context.Context) (Summary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.executor.Run(ctx)
}

type GinHandlers struct {
	processor *Processor
}

func NewGinHandlers(processor *Processor) *GinHandlers {
	return &GinHandlers{processor: processor}
}

// RunHandler triggers an executor run and returns its summary
func (h *GinHandlers) RunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := h.processor.RunOnce(c.Request.Context())
		if err != nil {
			response.InternalError(c, "Scheduled payment run failed")
			return
		}
		c.JSON(http.StatusOK, response.Response{Success: true, Data: summary})
	}
}
