package schemas

import (
	"sort"
	"time"
)

// -- Domain Learning Schemas --

// AccessClass is the learned difficulty of a domain. Automatic
// classification only escalates: public -> infra -> human.
type AccessClass string

const (
	AccessPublic AccessClass = "public"
	AccessInfra  AccessClass = "infra"
	AccessHuman  AccessClass = "human"
)

// Rank orders access classes from least to most restrictive.
func (a AccessClass) Rank() int {
	switch a {
	case AccessInfra:
		return 1
	case AccessHuman:
		return 2
	default:
		return 0
	}
}

// Valid reports whether a is a known access class.
func (a AccessClass) Valid() bool {
	return a == AccessPublic || a == AccessInfra || a == AccessHuman
}

// SessionRequirement states whether a domain needs session material.
type SessionRequirement string

const (
	SessionNo       SessionRequirement = "no"
	SessionOptional SessionRequirement = "optional"
	SessionRequired SessionRequirement = "required"
)

// Valid reports whether s is a known session requirement.
func (s SessionRequirement) Valid() bool {
	return s == SessionNo || s == SessionOptional || s == SessionRequired
}

// BlockSignal names an observed anti-automation signature.
type BlockSignal string

const (
	SignalHTTP401   BlockSignal = "http_401"
	SignalHTTP403   BlockSignal = "http_403"
	SignalHTTP429   BlockSignal = "http_429"
	SignalCaptcha   BlockSignal = "captcha"
	SignalChallenge BlockSignal = "js_challenge"
	SignalLoginWall BlockSignal = "login_wall"
)

// EngineStats are the counters kept per extraction engine for a domain.
type EngineStats struct {
	Attempts    int64   `json:"attempts"`
	Successes   int64   `json:"successes"`
	Blocks      int64   `json:"blocks"`
	SuccessRate float64 `json:"success_rate"`
	BlockRate   float64 `json:"block_rate"`
}

// ProviderStats are the counters kept per egress provider for a domain.
type ProviderStats struct {
	Attempts    int64   `json:"attempts"`
	Successes   int64   `json:"successes"`
	SuccessRate float64 `json:"success_rate"`
}

// DomainConfig is the learned routing profile of a domain. Every rate is
// derived from counters by Recompute and is never written independently.
type DomainConfig struct {
	Domain          string             `json:"domain"`
	AccessClass     AccessClass        `json:"access_class"`
	RequiresSession SessionRequirement `json:"requires_session"`

	TotalAttempts      int64 `json:"total_attempts"`
	SuccessfulAttempts int64 `json:"successful_attempts"`
	Blocked403         int64 `json:"blocked_403"`
	BlockedCaptcha     int64 `json:"blocked_captcha"`
	BlockedTotal       int64 `json:"blocked_total"`

	SuccessRate      float64 `json:"success_rate"`
	Block403Rate     float64 `json:"block_403_rate"`
	BlockCaptchaRate float64 `json:"block_captcha_rate"`
	BlockRate        float64 `json:"block_rate"`

	Engines   map[string]*EngineStats   `json:"engines"`
	Providers map[string]*ProviderStats `json:"providers"`

	PreferredProvider            string  `json:"preferred_provider,omitempty"`
	PreferredProviderSuccessRate float64 `json:"preferred_provider_success_rate"`

	SessionLifetimeSamples    int64   `json:"session_lifetime_samples"`
	AvgSessionLifetimeSeconds float64 `json:"avg_session_lifetime_seconds"`

	BlockSignatures map[BlockSignal]bool `json:"block_signatures"`
	Notes           string               `json:"notes,omitempty"`
	ManualOverride  bool                 `json:"manual_override"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewDomainConfig returns the defaults used for a domain seen for the first time.
func NewDomainConfig(domain string, now time.Time) *DomainConfig {
	return &DomainConfig{
		Domain:          domain,
		AccessClass:     AccessPublic,
		RequiresSession: SessionNo,
		Engines:         make(map[string]*EngineStats),
		Providers:       make(map[string]*ProviderStats),
		BlockSignatures: make(map[BlockSignal]bool),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func ratio(part, total int64) float64 {
	if total <= 0 || part <= 0 {
		return 0
	}
	if part >= total {
		return 1
	}
	return float64(part) / float64(total)
}

// Recompute derives every rate and the preferred provider from the counters.
func (d *DomainConfig) Recompute() {
	d.SuccessRate = ratio(d.SuccessfulAttempts, d.TotalAttempts)
	d.Block403Rate = ratio(d.Blocked403, d.TotalAttempts)
	d.BlockCaptchaRate = ratio(d.BlockedCaptcha, d.TotalAttempts)
	d.BlockRate = ratio(d.BlockedTotal, d.TotalAttempts)

	for _, es := range d.Engines {
		es.SuccessRate = ratio(es.Successes, es.Attempts)
		es.BlockRate = ratio(es.Blocks, es.Attempts)
	}

	names := make([]string, 0, len(d.Providers))
	for name, ps := range d.Providers {
		ps.SuccessRate = ratio(ps.Successes, ps.Attempts)
		names = append(names, name)
	}
	sort.Strings(names)

	d.PreferredProvider = ""
	d.PreferredProviderSuccessRate = 0
	var best *ProviderStats
	for _, name := range names {
		ps := d.Providers[name]
		if best == nil || ps.SuccessRate > best.SuccessRate ||
			(ps.SuccessRate == best.SuccessRate && ps.Attempts > best.Attempts) {
			best = ps
			d.PreferredProvider = name
		}
	}
	if best != nil {
		d.PreferredProviderSuccessRate = best.SuccessRate
	}
}

// Clone returns a deep copy of the profile.
func (d *DomainConfig) Clone() *DomainConfig {
	if d == nil {
		return nil
	}
	c := *d
	c.Engines = make(map[string]*EngineStats, len(d.Engines))
	for k, v := range d.Engines {
		es := *v
		c.Engines[k] = &es
	}
	c.Providers = make(map[string]*ProviderStats, len(d.Providers))
	for k, v := range d.Providers {
		ps := *v
		c.Providers[k] = &ps
	}
	c.BlockSignatures = make(map[BlockSignal]bool, len(d.BlockSignatures))
	for k, v := range d.BlockSignatures {
		c.BlockSignatures[k] = v
	}
	return &c
}

// Recommendation is the routing advice for the next attempt against a domain.
type Recommendation struct {
	Domain            string             `json:"domain"`
	Engines           []string           `json:"engines"`
	TrySessionFirst   bool               `json:"try_session_first"`
	RequiresSession   SessionRequirement `json:"requires_session"`
	AccessClass       AccessClass        `json:"access_class"`
	PreferredProvider string             `json:"preferred_provider,omitempty"`
}

// DomainOverride is a manual correction applied by an operator. Nil fields are
// left unchanged.
type DomainOverride struct {
	AccessClass     *AccessClass        `json:"access_class,omitempty"`
	RequiresSession *SessionRequirement `json:"requires_session,omitempty"`
	Notes           *string             `json:"notes,omitempty"`
}
