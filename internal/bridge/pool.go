package bridge

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// HealthState classifies a bridge instance by its recent probe history.
type HealthState string

const (
	// Healthy: the last probe succeeded.
	Healthy HealthState = "healthy"
	// Degraded: one or two consecutive probes failed.
	Degraded HealthState = "degraded"
	// Unhealthy: at least unhealthyThreshold consecutive probes failed.
	Unhealthy HealthState = "unhealthy"
)

const (
	unhealthyThreshold  = 3
	defaultProbePeriod  = 15 * time.Second
	defaultProbeTimeout = 5 * time.Second
)

// ErrNoInstances is returned when a Pool is constructed with no bridge
// instances. The bridge set must never be empty.
var ErrNoInstances = errors.New("bridge pool configured with zero instances")

// InstanceConfig is the static configuration of one bridge instance.
type InstanceConfig struct {
	Name   string  `yaml:"name"`
	URL    string  `yaml:"url"`
	APIKey string  `yaml:"apiKey"`
	Weight float64 `yaml:"weight"`
}

// Instance is a configured bridge with its derived health state. Health is
// only adjusted through probe results and ReportSuccess/ReportFailure.
type Instance struct {
	Name   string
	URL    string
	APIKey string
	Weight float64

	mu           sync.Mutex
	consecFails  int
	lastProbe    time.Time
	lastLatency  time.Duration
}

// State returns the instance's current health classification. An instance
// that has never been probed counts as healthy so startup does not refuse
// all traffic.
func (in *Instance) State() HealthState {
	in.mu.Lock()
	defer in.mu.Unlock()
	switch {
	case in.consecFails >= unhealthyThreshold:
		return Unhealthy
	case in.consecFails > 0:
		return Degraded
	default:
		return Healthy
	}
}

// LastProbe returns the time and latency of the most recent probe.
func (in *Instance) LastProbe() (time.Time, time.Duration) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastProbe, in.lastLatency
}

func (in *Instance) recordSuccess(at time.Time, latency time.Duration) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.consecFails = 0
	in.lastProbe = at
	in.lastLatency = latency
}

func (in *Instance) recordFailure(at time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.consecFails++
	in.lastProbe = at
}

// Pool owns the configured bridge instances, probes their health on a fixed
// interval, and selects an instance per session.
type Pool struct {
	instances   []*Instance
	httpClient  *http.Client
	probePeriod time.Duration
	log         *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// PoolOption adjusts a Pool at construction.
type PoolOption func(*Pool)

// WithProbePeriod overrides the health probe interval.
func WithProbePeriod(d time.Duration) PoolOption {
	return func(p *Pool) { p.probePeriod = d }
}

// WithProbeClient overrides the http.Client used for health probes.
func WithProbeClient(hc *http.Client) PoolOption {
	return func(p *Pool) { p.httpClient = hc }
}

// NewPool builds a Pool from configuration. An empty instance set is an
// error: callers treat it as fatal at startup.
func NewPool(configs []InstanceConfig, log *slog.Logger, opts ...PoolOption) (*Pool, error) {
	if len(configs) == 0 {
		return nil, ErrNoInstances
	}
	p := &Pool{
		httpClient:  &http.Client{Timeout: defaultProbeTimeout},
		probePeriod: defaultProbePeriod,
		log:         log,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, c := range configs {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		p.instances = append(p.instances, &Instance{
			Name:   c.Name,
			URL:    c.URL,
			APIKey: c.APIKey,
			Weight: w,
		})
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Instances returns the configured instance set.
func (p *Pool) Instances() []*Instance {
	return p.instances
}

// HealthyCount returns the number of instances currently not unhealthy.
// Used for the healthy_bridges gauge.
func (p *Pool) HealthyCount() int {
	n := 0
	for _, in := range p.instances {
		if in.State() != Unhealthy {
			n++
		}
	}
	return n
}

// Run probes every instance once per probe period until ctx is cancelled.
// A probe failure never stops the loop.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.probePeriod)
	defer ticker.Stop()

	p.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Pool) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, in := range p.instances {
		wg.Add(1)
		go func(in *Instance) {
			defer wg.Done()
			p.probe(ctx, in)
		}(in)
	}
	wg.Wait()
}

func (p *Pool) probe(ctx context.Context, in *Instance) {
	before := in.State()
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL(in.URL), nil)
	if err != nil {
		in.recordFailure(start)
		p.logTransition(in, before)
		return
	}
	if in.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+in.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		in.recordFailure(start)
		p.logTransition(in, before)
		return
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		in.recordFailure(start)
	} else {
		in.recordSuccess(start, time.Since(start))
	}
	p.logTransition(in, before)
}

func (p *Pool) logTransition(in *Instance, before HealthState) {
	after := in.State()
	if after == before {
		return
	}
	p.log.Info("bridge health changed",
		slog.String("bridge", in.Name),
		slog.String("from", string(before)),
		slog.String("to", string(after)),
	)
}

// ReportSuccess resets an instance's failure counter outside the probe
// cycle, e.g. after a successful control call.
func (p *Pool) ReportSuccess(name string) {
	if in := p.byName(name); in != nil {
		in.recordSuccess(time.Now(), 0)
	}
}

// ReportFailure counts a failed control call against an instance without
// waiting for the next probe.
func (p *Pool) ReportFailure(name string) {
	if in := p.byName(name); in != nil {
		before := in.State()
		in.recordFailure(time.Now())
		p.logTransition(in, before)
	}
}

// ByName returns the configured instance with the given name, if any.
func (p *Pool) ByName(name string) (*Instance, bool) {
	in := p.byName(name)
	return in, in != nil
}

func (p *Pool) byName(name string) *Instance {
	for _, in := range p.instances {
		if in.Name == name {
			return in
		}
	}
	return nil
}

// Get selects a bridge instance. Candidates are the non-unhealthy instances;
// if none remain, or includeUnhealthy is set, every instance is eligible.
// With an affinity key the choice is a deterministic hash into the
// candidates' cumulative weight range, so the same key maps to the same
// instance while the candidate set is unchanged. Without a key the draw is
// weighted random.
func (p *Pool) Get(affinityKey string, includeUnhealthy bool) (*Instance, error) {
	candidates := make([]*Instance, 0, len(p.instances))
	if !includeUnhealthy {
		for _, in := range p.instances {
			if in.State() != Unhealthy {
				candidates = append(candidates, in)
			}
		}
	}
	if len(candidates) == 0 {
		candidates = p.instances
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	total := 0.0
	for _, in := range candidates {
		total += in.Weight
	}

	var point float64
	if affinityKey != "" {
		h := xxhash.Sum64String(affinityKey)
		point = float64(h%1e9) / 1e9 * total
	} else {
		p.rngMu.Lock()
		point = p.rng.Float64() * total
		p.rngMu.Unlock()
	}

	acc := 0.0
	for _, in := range candidates {
		acc += in.Weight
		if point < acc {
			return in, nil
		}
	}
	return candidates[len(candidates)-1], nil
}

func probeURL(base string) string {
	if len(base) > 0 && base[len(base)-1] == '/' {
		return base + "healthcheck"
	}
	return base + "/healthcheck"
}
