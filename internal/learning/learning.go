// Package learning maintains per-domain attempt statistics and turns them
// into routing advice for the next attempt.
package learning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
	"github.com/xkilldash9x/scalpel-hitl/internal/config"
	"github.com/xkilldash9x/scalpel-hitl/internal/observability"
)

// Store is the domain learning store. Every mutation is a single atomic
// read-modify-write on the repository, so concurrent outcomes for the same
// domain never lose counts.
type Store struct {
	repo   schemas.DomainRepository
	cfg    config.LearningConfig
	logger *zap.Logger
	now    func() time.Time
}

// New creates a learning store over repo.
func New(repo schemas.DomainRepository, cfg config.LearningConfig, logger *zap.Logger) *Store {
	return &Store{
		repo:   repo,
		cfg:    cfg,
		logger: observability.Component(logger, "learning"),
		now:    time.Now,
	}
}

// RecordOutcome folds one attempt into the domain's counters, recomputes the
// derived rates and re-runs classification with the attempt's signals.
func (s *Store) RecordOutcome(ctx context.Context, domain string, outcome schemas.AttemptOutcome) (*schemas.DomainConfig, error) {
	if domain == "" {
		return nil, schemas.NewValidationError("domain", "must not be empty")
	}
	var escalated bool
	var from schemas.AccessClass
	cfg, err := s.repo.UpdateDomain(ctx, domain, func(d *schemas.DomainConfig) error {
		applyOutcome(d, outcome)
		d.Recompute()
		from = d.AccessClass
		escalated = s.classify(d, outcome.Signals)
		d.UpdatedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recording outcome for %s: %w", domain, err)
	}
	if escalated {
		s.logger.Info("Domain access class escalated.",
			observability.Domain(domain),
			zap.String("from", string(from)),
			zap.String("to", string(cfg.AccessClass)),
			zap.Float64("block_rate", cfg.BlockRate))
	}
	return cfg, nil
}

// Classify records the given signals and re-evaluates the access class.
func (s *Store) Classify(ctx context.Context, domain string, signals []schemas.BlockSignal) (schemas.AccessClass, error) {
	cfg, err := s.repo.UpdateDomain(ctx, domain, func(d *schemas.DomainConfig) error {
		for _, sig := range signals {
			d.BlockSignatures[sig] = true
		}
		d.Recompute()
		if s.classify(d, signals) {
			d.UpdatedAt = s.now().UTC()
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("classifying %s: %w", domain, err)
	}
	return cfg.AccessClass, nil
}

// classify escalates d in place and reports whether anything changed.
// Demotion is never automatic, so a manual override is only ever raised.
func (s *Store) classify(d *schemas.DomainConfig, signals []schemas.BlockSignal) bool {
	changed := false
	for _, sig := range signals {
		if sig == schemas.SignalLoginWall || sig == schemas.SignalHTTP401 {
			if d.RequiresSession == schemas.SessionNo {
				d.RequiresSession = schemas.SessionOptional
				changed = true
			}
		}
	}

	if d.TotalAttempts < s.cfg.MinSamples {
		return changed
	}
	target := schemas.AccessPublic
	switch {
	case s.humanPattern(d):
		target = schemas.AccessHuman
	case d.BlockRate >= s.cfg.InfraBlockThreshold && d.BlockedTotal > 0:
		target = schemas.AccessInfra
	}
	if target.Rank() > d.AccessClass.Rank() {
		d.AccessClass = target
		changed = true
	}
	return changed
}

// humanPattern is a sustained captcha or 403 rate over the human threshold.
func (s *Store) humanPattern(d *schemas.DomainConfig) bool {
	if d.BlockedCaptcha > 0 && d.BlockCaptchaRate >= s.cfg.HumanBlockThreshold {
		return true
	}
	return d.Blocked403 > 0 && d.Block403Rate >= s.cfg.HumanBlockThreshold
}

func applyOutcome(d *schemas.DomainConfig, o schemas.AttemptOutcome) {
	d.TotalAttempts++
	success := o.Kind == schemas.OutcomeSuccess
	blocked := o.Kind == schemas.OutcomeBlocked
	if success {
		d.SuccessfulAttempts++
	}
	if blocked {
		d.BlockedTotal++
		if o.HasSignal(schemas.SignalHTTP403) || o.Reason == "403" {
			d.Blocked403++
		}
		if o.HasSignal(schemas.SignalCaptcha) || o.HasSignal(schemas.SignalChallenge) {
			d.BlockedCaptcha++
		}
	}
	for _, sig := range o.Signals {
		d.BlockSignatures[sig] = true
	}

	if o.Engine != "" {
		es, ok := d.Engines[o.Engine]
		if !ok {
			es = &schemas.EngineStats{}
			d.Engines[o.Engine] = es
		}
		es.Attempts++
		if success {
			es.Successes++
		}
		if blocked {
			es.Blocks++
		}
	}
	if o.Provider != "" {
		ps, ok := d.Providers[o.Provider]
		if !ok {
			ps = &schemas.ProviderStats{}
			d.Providers[o.Provider] = ps
		}
		ps.Attempts++
		if success {
			ps.Successes++
		}
	}
}

// Recommend returns the engine ordering and session advice for domain.
// Unknown domains get the defaults without being persisted.
func (s *Store) Recommend(ctx context.Context, domain string) (*schemas.Recommendation, error) {
	d, err := s.lookup(ctx, domain)
	if err != nil {
		return nil, err
	}
	return &schemas.Recommendation{
		Domain:            domain,
		Engines:           rankEngines(d, s.cfg.Engines),
		TrySessionFirst:   trySessionFirst(d),
		RequiresSession:   d.RequiresSession,
		AccessClass:       d.AccessClass,
		PreferredProvider: d.PreferredProvider,
	}, nil
}

func trySessionFirst(d *schemas.DomainConfig) bool {
	if d.RequiresSession != schemas.SessionNo {
		return true
	}
	return d.BlockSignatures[schemas.SignalLoginWall] || d.BlockSignatures[schemas.SignalHTTP401]
}

// rankEngines orders by success rate, then lowest block rate, then fewest
// attempts so under-sampled engines get explored. Configured engines with no
// history take part with zeroed stats.
func rankEngines(d *schemas.DomainConfig, configured []string) []string {
	type candidate struct {
		name  string
		stats schemas.EngineStats
		order int
	}
	seen := make(map[string]bool)
	var cands []candidate
	for i, name := range configured {
		if seen[name] {
			continue
		}
		seen[name] = true
		c := candidate{name: name, order: i}
		if es, ok := d.Engines[name]; ok {
			c.stats = *es
		}
		cands = append(cands, c)
	}
	extra := make([]string, 0)
	for name := range d.Engines {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for i, name := range extra {
		cands = append(cands, candidate{name: name, stats: *d.Engines[name], order: len(configured) + i})
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i].stats, cands[j].stats
		if a.SuccessRate != b.SuccessRate {
			return a.SuccessRate > b.SuccessRate
		}
		if a.BlockRate != b.BlockRate {
			return a.BlockRate < b.BlockRate
		}
		if a.Attempts != b.Attempts {
			return a.Attempts < b.Attempts
		}
		return cands[i].order < cands[j].order
	})

	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.name
	}
	return out
}

// Override applies an operator's manual correction. Unlike automatic
// classification it may demote the access class.
func (s *Store) Override(ctx context.Context, domain string, o schemas.DomainOverride) (*schemas.DomainConfig, error) {
	if domain == "" {
		return nil, schemas.NewValidationError("domain", "must not be empty")
	}
	if o.AccessClass != nil && !o.AccessClass.Valid() {
		return nil, schemas.NewValidationError("access_class", fmt.Sprintf("unknown value %q", *o.AccessClass))
	}
	if o.RequiresSession != nil && !o.RequiresSession.Valid() {
		return nil, schemas.NewValidationError("requires_session", fmt.Sprintf("unknown value %q", *o.RequiresSession))
	}

	cfg, err := s.repo.UpdateDomain(ctx, domain, func(d *schemas.DomainConfig) error {
		if o.AccessClass != nil {
			d.AccessClass = *o.AccessClass
		}
		if o.RequiresSession != nil {
			d.RequiresSession = *o.RequiresSession
		}
		if o.Notes != nil {
			d.Notes = *o.Notes
		}
		d.ManualOverride = true
		d.UpdatedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("overriding %s: %w", domain, err)
	}
	s.logger.Info("Domain overridden by operator.", observability.Domain(domain),
		zap.String("access_class", string(cfg.AccessClass)),
		zap.String("requires_session", string(cfg.RequiresSession)))
	return cfg, nil
}

// RecordSessionLifetime folds a finished session's lifetime into the
// domain's running average.
func (s *Store) RecordSessionLifetime(ctx context.Context, domain string, lifetime time.Duration) error {
	_, err := s.repo.UpdateDomain(ctx, domain, func(d *schemas.DomainConfig) error {
		n := float64(d.SessionLifetimeSamples)
		d.AvgSessionLifetimeSeconds = (d.AvgSessionLifetimeSeconds*n + lifetime.Seconds()) / (n + 1)
		d.SessionLifetimeSamples++
		d.UpdatedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording session lifetime for %s: %w", domain, err)
	}
	return nil
}

// Get returns the stored profile for domain.
func (s *Store) Get(ctx context.Context, domain string) (*schemas.DomainConfig, error) {
	return s.repo.GetDomain(ctx, domain)
}

// List returns every known domain profile.
func (s *Store) List(ctx context.Context) ([]*schemas.DomainConfig, error) {
	return s.repo.ListDomains(ctx)
}

func (s *Store) lookup(ctx context.Context, domain string) (*schemas.DomainConfig, error) {
	d, err := s.repo.GetDomain(ctx, domain)
	if errors.Is(err, schemas.ErrNotFound) {
		return schemas.NewDomainConfig(domain, s.now().UTC()), nil
	}
	return d, err
}
