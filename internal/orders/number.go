package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/paysync-api/internal/txscope"
)

var ErrOrderNumberExhausted = errors.New("could not generate a unique order number")

const DefaultNumberAttempts = 5

// NumberGenerator issues human-facing order numbers of the form YYMMDD-XXXXXX,
// checked against storage before use.
type NumberGenerator struct {
	store    *Database
	attempts int
	now      func() time.Time
	suffix   func() string
}

func NewNumberGenerator(db *gorm.DB, attempts int) *NumberGenerator {
	if attempts <= 0 {
		attempts = DefaultNumberAttempts
	}
	return &NumberGenerator{
		store:    NewDatabase(db),
		attempts: attempts,
		now:      time.Now,
		suffix:   randomSuffix,
	}
}

// WithSuffix replaces the random part of generated numbers.
func (g *NumberGenerator) WithSuffix(fn func() string) *NumberGenerator {
	g.suffix = fn
	return g
}

func (g *NumberGenerator) Next(ctx context.Context, s txscope.Scope) (string, error) {
	prefix := g.now().UTC().Format("060102")
	for i := 0; i < g.attempts; i++ {
		number := prefix + "-" + g.suffix()
		exists, err := g.store.OrderNumberExists(ctx, s, number)
		if err != nil {
			return "", err
		}
		if !exists {
			return number, nil
		}
		log.Warn().Str("order_number", number).Int("attempt", i+1).Msg("Order number collision")
	}
	return "", fmt.Errorf("%w after %d attempts", ErrOrderNumberExhausted, g.attempts)
}

func randomSuffix() string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return strings.ToUpper(id[:6])
}
