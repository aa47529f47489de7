package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxgate/internal/domain/patient"
	"github.com/drfirst/go-rxgate/pkg/circuitbreaker"
)

// Guard bounds one collaborator with a timeout and an optional breaker.
type Guard struct {
	Name    string
	Timeout time.Duration
	Breaker *circuitbreaker.CircuitBreaker
}

// Do runs fn under g. A nil guard runs fn with ctx unchanged.
func Do[T any](ctx context.Context, g *Guard, fn func(context.Context) (T, error)) (T, error) {
	if g == nil {
		return fn(ctx)
	}
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	return circuitbreaker.Call(ctx, g.Breaker, fn)
}

// Guards holds one guard per collaborator; nil entries are unguarded.
type Guards struct {
	Clinical *Guard
	Stock    *Guard
	Advisor  *Guard
}

// Timeouts configures NewGuards.
type Timeouts struct {
	Clinical time.Duration
	Stock    time.Duration
	Advisor  time.Duration
}

// NewGuards creates breakers for every collaborator on m. The clinical
// breaker does not count ErrPatientNotFound as a failure.
func NewGuards(m *circuitbreaker.Manager, t Timeouts) (Guards, error) {
	clinicalCfg := circuitbreaker.DefaultConfig(ClinicalSourceName)
	clinicalCfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, ErrPatientNotFound) }

	build := func(name string, cfg circuitbreaker.Config, timeout time.Duration) (*Guard, error) {
		cb, err := m.GetOrCreate(name, cfg)
		if err != nil {
			return nil, fmt.Errorf("breaker %s: %w", name, err)
		}
		return &Guard{Name: name, Timeout: timeout, Breaker: cb}, nil
	}
	var g Guards
	var err error
	if g.Clinical, err = build(ClinicalSourceName, clinicalCfg, t.Clinical); err != nil {
		return Guards{}, err
	}
	if g.Stock, err = build(StockSourceName, circuitbreaker.DefaultConfig(StockSourceName), t.Stock); err != nil {
		return Guards{}, err
	}
	if g.Advisor, err = build(AdvisorName, circuitbreaker.DefaultConfig(AdvisorName), t.Advisor); err != nil {
		return Guards{}, err
	}
	return g, nil
}

// Clock returns the current time; tests substitute a fixed one.
type Clock func() time.Time

// Calls performs guarded collaborator calls and converts degradable failures
// into Results. It is the only place collaborator errors are recovered.
type Calls struct {
	Guards Guards
	Now    Clock
	Logger *zap.Logger
}

func (c Calls) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Calls) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

// FetchContext loads a snapshot. Failures are not degradable: NotFound and
// every other error are returned wrapped.
func (c Calls) FetchContext(ctx context.Context, src ClinicalSource, patientID string) (patient.Snapshot, error) {
	if src == nil {
		return patient.Snapshot{}, fmt.Errorf("no clinical source configured")
	}
	snap, err := Do(ctx, c.Guards.Clinical, func(ctx context.Context) (patient.Snapshot, error) {
		return src.FetchContext(ctx, patientID)
	})
	if err != nil {
		return patient.Snapshot{}, fmt.Errorf("fetch patient %s: %w", patientID, err)
	}
	if snap.PatientID == "" {
		snap.PatientID = patientID
	}
	return snap, nil
}

// CheckAvailability queries stock. Failures degrade to an empty,
// unavailable result.
func (c Calls) CheckAvailability(ctx context.Context, src StockSource, drug, strength string) Result[StockResult] {
	if src == nil {
		return Degrade(StockResult{}, NewDegraded(StockSourceName, "check_availability", drug,
			"treated as unavailable", errors.New("no stock source configured"), c.now()))
	}
	res, err := Do(ctx, c.Guards.Stock, func(ctx context.Context) (StockResult, error) {
		return src.CheckAvailability(ctx, drug, strength)
	})
	if err != nil {
		c.logger().Warn("stock lookup degraded", zap.String("drug", drug), zap.String("strength", strength), zap.Error(err))
		return Degrade(StockResult{}, NewDegraded(StockSourceName, "check_availability", drug,
			"treated as unavailable", err, c.now()))
	}
	return OK(res)
}

// Enrich asks the advisor for narrative. An absent advisor yields the
// fallback without a degraded record; a failing advisor yields the fallback
// with one.
func (c Calls) Enrich(ctx context.Context, adv Advisor, pc *patient.Context, indication, intentText string) Result[Advice] {
	fallback := Advice{Bullets: []string{AdvisoryFallback}}
	if adv == nil {
		return OK(fallback)
	}
	advice, err := Do(ctx, c.Guards.Advisor, func(ctx context.Context) (Advice, error) {
		return adv.Enrich(ctx, pc, indication, intentText)
	})
	if err == nil {
		advice.Bullets = cleanBullets(advice.Bullets)
		if len(advice.Bullets) == 0 {
			err = errors.New("advisor returned no text")
		}
	}
	if err != nil {
		c.logger().Warn("advisory enrichment degraded", zap.String("indication", indication), zap.Error(err))
		return Degrade(fallback, NewDegraded(AdvisorName, "enrich", indication, AdvisoryFallback, err, c.now()))
	}
	return OK(advice)
}

func cleanBullets(in []string) []string {
	out := make([]string, 0, len(in))
	for _, b := range in {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
