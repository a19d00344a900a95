package proposer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/agentbank-core/internal/infra"
)

type ReliableOptions struct {
	Name        string
	RatePerSec  float64
	Burst       int
	Attempts    uint
	RetryDelay  time.Duration
	CallTimeout time.Duration
	// Сколько ошибок подряд открывают предохранитель.
	MaxConsecutiveFailures uint32
	OpenTimeout            time.Duration
}

func (o ReliableOptions) withDefaults() ReliableOptions {
	if o.Name == "" {
		o.Name = "proposer"
	}
	if o.RatePerSec <= 0 {
		o.RatePerSec = 10
	}
	if o.Burst <= 0 {
		o.Burst = 5
	}
	if o.Attempts == 0 {
		o.Attempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 100 * time.Millisecond
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.MaxConsecutiveFailures == 0 {
		o.MaxConsecutiveFailures = 5
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 30 * time.Second
	}
	return o
}

// Reliable оборачивает любую стратегию: лимитер -> предохранитель -> повторы.
type Reliable struct {
	next    Proposer
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	opts    ReliableOptions
	logger  *zap.Logger
}

func NewReliable(next Proposer, opts ReliableOptions, metrics *infra.Metrics, logger *zap.Logger) *Reliable {
	opts = opts.withDefaults()
	if metrics == nil {
		metrics = infra.NewMetrics(nil)
	}
	logger = logger.Named("proposer")

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     opts.OpenTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// Отказ по смыслу (4xx) не говорит о здоровье удаленной стороны
			return err == nil || isPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	metrics.CircuitBreakerState.WithLabelValues(opts.Name).Set(float64(gobreaker.StateClosed))

	return &Reliable{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
		opts:    opts,
		logger:  logger,
	}
}

func (w *Reliable) State() gobreaker.State { return w.cb.State() }

func (w *Reliable) ProposeIntent(ctx context.Context, ac AgentContext) (*Proposal, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 2. Circuit Breaker
	res, err := w.cb.Execute(func() (interface{}, error) {
		var out *Proposal
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.opts.Attempts),
			retry.Delay(w.opts.RetryDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool { return !isPermanent(err) }),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Удаленная сторона сама сказала, сколько ждать
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.opts.CallTimeout)
			defer cancel()

			var callErr error
			out, callErr = w.next.ProposeIntent(tCtx, ac)
			return callErr
		})
		return out, retryErr
	})
	if err != nil {
		return nil, err
	}
	return res.(*Proposal), nil
}
