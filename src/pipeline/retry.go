package pipeline

import (
	"context"
	"math/rand"
	"time"
)

// Backoff calcula esperas exponenciales con jitter entre reintentos.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64 // fracción aleatoria sumada a la espera, 0..1
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial: 500 * time.Millisecond,
		Max:     60 * time.Second,
		Jitter:  0.2,
	}
}

// Delay retorna la espera para el intento dado (el primer reintento es 1).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	initial := b.Initial
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}

	max := b.Max
	if max <= 0 {
		max = 60 * time.Second
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}

	if delay > max {
		delay = max
	}

	if b.Jitter > 0 {
		delay += time.Duration(rand.Float64() * b.Jitter * float64(delay))
		if delay > max {
			delay = max
		}
	}

	return delay
}

// RetryPolicy ejecuta una operación con reintentos. MaxAttempts <= 0
// significa sin límite: se reintenta hasta que la operación tenga éxito o el
// contexto se cancele.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     Backoff
}

// Do ejecuta op hasta que retorne nil, se agoten los intentos o el contexto
// se cancele. Retorna el último error de op al agotar los intentos.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; p.MaxAttempts <= 0 || attempt <= p.MaxAttempts; attempt++ {

		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Backoff.Delay(attempt - 1)):
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)

		if lastErr == nil {
			return nil
		}
	}

	return lastErr
}
