package quota

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LimitType names the window that blocked an admission.
type LimitType string

const (
	LimitRPM LimitType = "rpm"
	LimitTPM LimitType = "tpm"
	LimitRPD LimitType = "rpd"
)

const (
	// minuteSlack is added to per-minute waits so the oldest record has
	// left the window by the time the check runs again.
	minuteSlack = 100 * time.Millisecond
	daySlack    = time.Second
)

type admissionState int

const (
	stateChecking admissionState = iota
	stateWaiting
	stateAdmitted
)

// decision is the outcome of one CHECKING pass.
type decision struct {
	admitted bool
	limit    LimitType
	wait     time.Duration
}

// Limiter admits calls against the limits of its active tier, using a Store
// shared with other processes.
type Limiter struct {
	store   Store
	tiers   TierConfig
	log     logrus.FieldLogger
	metrics *Metrics

	mu   sync.RWMutex
	tier string

	timeFunc  func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger used for waits and advisory notices.
func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Limiter) { l.log = log }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.timeFunc = now }
}

// WithSleeper overrides the wait primitive. It must return ctx.Err() when
// ctx is done before d elapses.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) { l.sleepFunc = sleep }
}

// NewLimiter returns a limiter enforcing tiers[tier] on top of store.
func NewLimiter(store Store, tiers TierConfig, tier string, opts ...Option) *Limiter {
	l := &Limiter{
		store:     store,
		tiers:     tiers,
		log:       logrus.StandardLogger(),
		tier:      tier,
		timeFunc:  time.Now,
		sleepFunc: sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Tier returns the active tier.
func (l *Limiter) Tier() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tier
}

// SetTier switches the active tier. Calls currently waiting pick up the new
// limits on their next check; their pending sleep is not shortened.
func (l *Limiter) SetTier(tier string) {
	if !l.tiers.HasTier(tier) {
		l.log.WithField("tier", tier).Warn("Tier is not configured; all models will run without rate limiting")
	}
	l.mu.Lock()
	l.tier = tier
	l.mu.Unlock()
}

// Tiers returns the configuration the limiter was built with.
func (l *Limiter) Tiers() TierConfig { return l.tiers }

func (l *Limiter) limitFor(model string) (Limit, string, bool) {
	tier := l.Tier()
	limit, ok := l.tiers.Lookup(tier, model)
	return limit, tier, ok
}

// WaitIfNeeded blocks until a call to model costing promptTokens fits in all
// three windows. It returns nil immediately for models without limits in the
// active tier, an error wrapping ErrQuotaImpossible when the prompt alone
// exceeds the TPM ceiling, and ctx.Err() if ctx ends while waiting.
//
// Admission does not reserve capacity: usage is recorded separately by
// UpdateUsage once the call completes. Waiters are not queued, so a caller
// can be overtaken by others indefinitely under sustained contention.
func (l *Limiter) WaitIfNeeded(ctx context.Context, model string, promptTokens int) error {
	state := stateChecking
	var d decision
	for {
		switch state {
		case stateChecking:
			limit, tier, ok := l.limitFor(model)
			if !ok {
				l.log.WithFields(logrus.Fields{"model": model, "tier": tier}).
					Warnf("No limits configured for model %s, proceeding without rate limiting", model)
				l.metrics.recordAdmission(model, "unlimited")
				return nil
			}
			var err error
			d, err = l.check(ctx, model, limit, promptTokens)
			if err != nil {
				if errors.Is(err, ErrQuotaImpossible) {
					l.metrics.recordAdmission(model, "impossible")
				}
				return err
			}
			if d.admitted {
				state = stateAdmitted
			} else {
				state = stateWaiting
			}
		case stateWaiting:
			wait := max(d.wait, 0)
			l.log.WithFields(logrus.Fields{"model": model, "limit": d.limit, "wait": wait}).
				Infof("%s limit reached for %s, waiting %.2fs", d.limit, model, wait.Seconds())
			l.metrics.recordWait(model, d.limit, wait)
			if err := l.sleepFunc(ctx, wait); err != nil {
				l.metrics.recordAdmission(model, "canceled")
				return err
			}
			state = stateChecking
		case stateAdmitted:
			l.metrics.recordAdmission(model, "admitted")
			return nil
		}
	}
}

// check runs one CHECKING pass under a single lock acquisition.
func (l *Limiter) check(ctx context.Context, model string, limit Limit, promptTokens int) (decision, error) {
	var d decision
	err := l.store.WithLock(ctx, func(s Session) error {
		state, err := s.Load()
		if err != nil {
			return err
		}
		now := l.timeFunc()
		history := state[model].Prune(now)
		if len(history) != len(state[model]) {
			state[model] = history
			if err := s.Save(state); err != nil {
				return err
			}
		}
		d, err = evaluate(now, model, history, limit, promptTokens)
		return err
	})
	return d, err
}

// evaluate applies the RPM, TPM and RPD checks, in that order, to a pruned
// history. The first breach decides the wait.
func evaluate(now time.Time, model string, history History, limit Limit, promptTokens int) (decision, error) {
	recent := history.Since(now, MinuteWindow)

	if len(recent) >= limit.RPM {
		oldest, _ := recent.Oldest()
		return decision{limit: LimitRPM, wait: MinuteWindow - now.Sub(oldest) + minuteSlack}, nil
	}

	if recent.Tokens()+promptTokens > limit.TPM {
		oldest, ok := recent.Oldest()
		if !ok {
			return decision{}, &ImpossibleError{Model: model, PromptTokens: promptTokens, TPM: limit.TPM}
		}
		return decision{limit: LimitTPM, wait: MinuteWindow - now.Sub(oldest) + minuteSlack}, nil
	}

	if len(history) >= limit.RPD {
		oldest, _ := history.Oldest()
		return decision{limit: LimitRPD, wait: DayWindow - now.Sub(oldest) + daySlack}, nil
	}

	return decision{admitted: true}, nil
}

// UpdateUsage appends a record of tokens for model and persists the pruned
// history. Models without limits in the active tier are not tracked.
func (l *Limiter) UpdateUsage(ctx context.Context, model string, tokens int) error {
	if _, _, ok := l.limitFor(model); !ok {
		return nil
	}
	tokens = max(tokens, 0)
	err := l.store.WithLock(ctx, func(s Session) error {
		state, err := s.Load()
		if err != nil {
			return err
		}
		now := l.timeFunc()
		history := append(state[model], NewUsageRecord(now, tokens))
		state[model] = history.Prune(now)
		return s.Save(state)
	})
	if err != nil {
		return err
	}
	l.metrics.recordTokens(model, tokens)
	return nil
}

// ModelUsage is the current consumption of one model against its limit.
type ModelUsage struct {
	Model             string `json:"model"`
	Limit             Limit  `json:"limit"`
	RequestsPerMinute int    `json:"requests_per_minute"`
	TokensPerMinute   int    `json:"tokens_per_minute"`
	RequestsPerDay    int    `json:"requests_per_day"`
}

// Snapshot reports usage for every model configured in the active tier. It
// reads the state under the lock but never writes it.
func (l *Limiter) Snapshot(ctx context.Context) ([]ModelUsage, error) {
	return l.snapshot(ctx, l.Tier())
}

func (l *Limiter) snapshot(ctx context.Context, tier string) ([]ModelUsage, error) {
	models := l.tiers.Models(tier)
	usage := make([]ModelUsage, 0, len(models))
	err := l.store.WithLock(ctx, func(s Session) error {
		state, err := s.Load()
		if err != nil {
			return err
		}
		now := l.timeFunc()
		for _, model := range models {
			history := state[model].Prune(now)
			recent := history.Since(now, MinuteWindow)
			usage = append(usage, ModelUsage{
				Model:             model,
				Limit:             l.tiers[tier][model],
				RequestsPerMinute: len(recent),
				TokensPerMinute:   recent.Tokens(),
				RequestsPerDay:    len(history),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return usage, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
