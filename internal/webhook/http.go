package webhook

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ksred/paysync-api/pkg/response"
)

const defaultMaxBodyBytes = 1 << 20

type ReceiverConfig struct {
	SigningSecret string
	Tolerance     time.Duration
	MaxBodyBytes  int64
}

// GinHandlers receives provider deliveries over HTTP
type GinHandlers struct {
	dispatcher *Dispatcher
	cfg        ReceiverConfig
	now        func() time.Time
}

func NewGinHandlers(dispatcher *Dispatcher, cfg ReceiverConfig) *GinHandlers {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &GinHandlers{
		dispatcher: dispatcher,
		cfg:        cfg,
		now:        time.Now,
	}
}

type ack struct {
	Received bool    `json:"received"`
	Outcome  Outcome `json:"outcome"`
}

// ReceiveHandler handles POST /webhooks/payments. The signature is checked
// over the raw body before anything is parsed. Any 5xx makes the provider
// redeliver.
func (h *GinHandlers) ReceiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxBodyBytes))
		if err != nil {
			response.BadRequest(c, "Unreadable request body")
			return
		}

		if err := Verify(body, c.GetHeader(SignatureHeader), h.cfg.SigningSecret, h.cfg.Tolerance, h.now()); err != nil {
			log.Warn().Err(err).Str("client_ip", c.ClientIP()).Msg("Rejecting unverifiable webhook")
			response.BadRequest(c, "Invalid signature")
			return
		}

		evt, err := ParseEvent(body)
		if err != nil {
			log.Warn().Err(err).Msg("Rejecting malformed webhook")
			response.BadRequest(c, err.Error())
			return
		}

		outcome, err := h.dispatcher.Dispatch(c.Request.Context(), evt)
		switch {
		case errors.Is(err, ErrInvalidEvent):
			response.BadRequest(c, err.Error())
		case err != nil:
			response.InternalError(c, "Webhook processing failed")
		default:
			c.JSON(http.StatusOK, ack{Received: true, Outcome: outcome})
		}
	}
}
