// Package supervisor builds and hot-reloads the full set of per-rule
// data-plane components (BackendPool, limiters, HealthChecker, acceptor
// Group) from a config.Config, applying the listener/limiter/health-
// checker diff spec.md §4.8 describes on every reload event.
//
// Grounded on the singleton-lifecycle, context+cancel shutdown idiom in
// ws/internal/shared/monitoring/system_monitor.go, generalized from one
// global monitor to one ruleRuntime per configured rule.
package supervisor

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/layer4lb/internal/acceptor"
	"github.com/adred-codev/layer4lb/internal/config"
	"github.com/adred-codev/layer4lb/internal/gossip"
	"github.com/adred-codev/layer4lb/internal/health"
	"github.com/adred-codev/layer4lb/internal/limiter"
	"github.com/adred-codev/layer4lb/internal/metrics"
	"github.com/adred-codev/layer4lb/internal/pool"
	"github.com/adred-codev/layer4lb/internal/proxy"
)

// ruleRuntime bundles the live components backing one configured rule.
type ruleRuntime struct {
	cfg             config.RuleConfig
	backendPool     *pool.BackendPool
	connRateLimiter *limiter.ShardedLimiter[string]

	// Four independent bandwidth handles, one per leg per direction
	// (spec.md §4.3/§4.6's "client-read, client-write, backend-read,
	// backend-write"); any may be nil when that leg's cap is unset.
	clientReadBW  *limiter.ShardedLimiter[string]
	clientWriteBW *limiter.ShardedLimiter[string]
	backendReadBW *limiter.ShardedLimiter[string]
	backendWriteBW *limiter.ShardedLimiter[string]

	checker   *health.Checker
	acceptors *acceptor.Group
}

// Supervisor owns every rule's runtime and applies config diffs to it.
type Supervisor struct {
	mu           sync.Mutex
	rules        map[string]*ruleRuntime
	numAcceptors int
	logger       zerolog.Logger
	ctx          context.Context
	gossipNode   *gossip.Node
	metrics      *metrics.Registry
}

// New creates an empty Supervisor. numAcceptors <= 0 lets each rule's
// acceptor.Group fall back to runtime.NumCPU() (spec.md §4.7).
func New(ctx context.Context, numAcceptors int, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		rules:        make(map[string]*ruleRuntime),
		numAcceptors: numAcceptors,
		logger:       logger.With().Str("component", "supervisor").Logger(),
		ctx:          ctx,
	}
}

// SetGossipNode binds the cluster gossip endpoint every rule's
// connection-rate limiter reports consumption to and is debited from
// (spec.md §4.9). Call before Apply; rules started after this call pick
// it up automatically.
func (s *Supervisor) SetGossipNode(n *gossip.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gossipNode = n
}

// SetMetrics binds the Prometheus registry every rule's pipeline and
// health checker report to. Call before Apply; rules started after this
// call pick it up automatically. The gossip node is not reached from
// here; its registry is bound through Node.WithMetrics.
func (s *Supervisor) SetMetrics(m *metrics.Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// Apply reconciles the Supervisor's live state to match cfg: rules
// present in cfg but not yet running are started; rules that disappear
// are stopped and removed; rules present in both are updated in place
// per spec.md §4.8's listener/limiter/health-checker diff.
func (s *Supervisor) Apply(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		seen[rc.Name] = true
		if existing, ok := s.rules[rc.Name]; ok {
			s.updateRule(existing, rc)
		} else {
			s.startRule(rc)
		}
	}

	for name, rt := range s.rules {
		if !seen[name] {
			s.stopRule(rt)
			delete(s.rules, name)
		}
	}
}

func (s *Supervisor) startRule(rc config.RuleConfig) {
	rt := &ruleRuntime{cfg: rc}
	rt.backendPool = pool.NewBackendPool(rc.BackendConnectionLimit)
	rt.backendPool.UpdateBackends(rc.Backends)

	if rc.RateLimit.Enabled {
		rt.connRateLimiter = limiter.NewShardedLimiter[string](s.rateLimitConfig(rc))
		s.registerGossipSink(rc.Name, rt.connRateLimiter)
	}
	s.applyBandwidthLimits(rt, rc)

	if rc.HealthCheck.Enabled {
		rt.checker = health.New(rc.Name, rt.backendPool, health.Config{
			Mode:         health.Mode(rc.HealthCheck.Protocol),
			Interval:     rc.HealthCheck.Interval(),
			ProbeTimeout: rc.HealthCheck.Timeout(),
			HTTPPath:     rc.HealthCheck.Path,
		}, s.logger).WithMetrics(s.metrics)
		rt.checker.Start(s.ctx)
	}

	deps := proxy.Dependencies{
		Pool:                rt.backendPool,
		ConnRateLimiter:     rt.connRateLimiter,
		ClientReadLimiter:   rt.clientReadBW,
		ClientWriteLimiter:  rt.clientWriteBW,
		BackendReadLimiter:  rt.backendReadBW,
		BackendWriteLimiter: rt.backendWriteBW,
		Rule:                rc,
		Logger:              s.logger,
		Metrics:             s.metrics,
	}
	rt.acceptors = acceptor.New(rc.Name, rc.Listen, s.numAcceptors, deps, s.logger)
	if err := rt.acceptors.Start(s.ctx); err != nil {
		s.logger.Error().Err(err).Str("rule", rc.Name).Msg("failed to start acceptors")
		return
	}

	s.rules[rc.Name] = rt
	s.logger.Info().Str("rule", rc.Name).Msg("rule started")
}

// updateRule applies spec.md §4.8's in-place diff for a rule that
// exists in both the old and new config: backend list, connection
// limit, and limiter parameters update without tearing down the
// acceptor's listeners; the health checker is stopped and restarted
// with the new parameters on every update.
func (s *Supervisor) updateRule(rt *ruleRuntime, rc config.RuleConfig) {
	rt.backendPool.UpdateBackends(rc.Backends)
	rt.backendPool.SetMaxConnsPerBackend(rc.BackendConnectionLimit)

	if rc.RateLimit.Enabled {
		rt.connRateLimiter = limiter.NewShardedLimiter[string](s.rateLimitConfig(rc))
		s.registerGossipSink(rc.Name, rt.connRateLimiter)
	} else {
		rt.connRateLimiter = nil
	}

	s.applyBandwidthLimits(rt, rc)

	if rt.checker != nil {
		rt.checker.Stop()
		rt.checker = nil
	}
	if rc.HealthCheck.Enabled {
		rt.checker = health.New(rc.Name, rt.backendPool, health.Config{
			Mode:         health.Mode(rc.HealthCheck.Protocol),
			Interval:     rc.HealthCheck.Interval(),
			ProbeTimeout: rc.HealthCheck.Timeout(),
			HTTPPath:     rc.HealthCheck.Path,
		}, s.logger).WithMetrics(s.metrics)
		rt.checker.Start(s.ctx)
	}

	rt.cfg = rc
	if rt.acceptors != nil {
		rt.acceptors.UpdateDependencies(proxy.Dependencies{
			Pool:                rt.backendPool,
			ConnRateLimiter:     rt.connRateLimiter,
			ClientReadLimiter:   rt.clientReadBW,
			ClientWriteLimiter:  rt.clientWriteBW,
			BackendReadLimiter:  rt.backendReadBW,
			BackendWriteLimiter: rt.backendWriteBW,
			Metrics:             s.metrics,
			Rule:                rc,
			Logger:              s.logger,
		})
	}

	s.logger.Info().Str("rule", rc.Name).Msg("rule updated")
}

// applyBandwidthLimits (re)builds rt's four directional bandwidth
// handles from rc.BandwidthLimit, one ShardedLimiter per leg per
// direction (spec.md §4.3/§4.6). client.upload_per_sec bounds bytes
// arriving from the client (client-read); client.download_per_sec
// bounds bytes leaving to the client (client-write); backend's two
// values bound the backend leg symmetrically. Any config field left
// unset (nil block, or the block present but that direction's value
// zero) leaves the corresponding handle nil, disabling that one handle
// without affecting the other three.
func (s *Supervisor) applyBandwidthLimits(rt *ruleRuntime, rc config.RuleConfig) {
	rt.clientReadBW = nil
	rt.clientWriteBW = nil
	rt.backendReadBW = nil
	rt.backendWriteBW = nil

	if !rc.BandwidthLimit.Enabled {
		return
	}
	if c := rc.BandwidthLimit.Client; c != nil {
		if c.UploadPerSec > 0 {
			rt.clientReadBW = limiter.NewShardedLimiter[string](limiter.Config{
				Capacity:   float64(c.UploadPerSec),
				RefillRate: float64(c.UploadPerSec),
			})
		}
		if c.DownloadPerSec > 0 {
			rt.clientWriteBW = limiter.NewShardedLimiter[string](limiter.Config{
				Capacity:   float64(c.DownloadPerSec),
				RefillRate: float64(c.DownloadPerSec),
			})
		}
	}
	if b := rc.BandwidthLimit.Backend; b != nil {
		if b.UploadPerSec > 0 {
			rt.backendReadBW = limiter.NewShardedLimiter[string](limiter.Config{
				Capacity:   float64(b.UploadPerSec),
				RefillRate: float64(b.UploadPerSec),
			})
		}
		if b.DownloadPerSec > 0 {
			rt.backendWriteBW = limiter.NewShardedLimiter[string](limiter.Config{
				Capacity:   float64(b.DownloadPerSec),
				RefillRate: float64(b.DownloadPerSec),
			})
		}
	}
}

// rateLimitConfig builds the connection-rate ShardedLimiter config for
// rule rc, wiring in the cluster gossip broadcaster when one is set
// (spec.md §4.9). Gossip correctness is advisory only: a nil
// gossipNode leaves Broadcaster nil and the limiter behaves exactly as
// a single-node deployment.
//
// Both this method and registerGossipSink below are only ever called
// from Apply's already-locked path (startRule/updateRule), so they read
// s.gossipNode directly without taking s.mu themselves.
func (s *Supervisor) rateLimitConfig(rc config.RuleConfig) limiter.Config {
	cfg := limiter.Config{
		Capacity:   rc.RateLimit.Burst,
		RefillRate: rc.RateLimit.RequestsPerSecond,
		Namespace:  rc.Name,
	}
	if s.gossipNode != nil {
		cfg.Broadcaster = s.gossipNode
	}
	return cfg
}

// registerGossipSink lets incoming peer UsageUpdate records for this
// rule's namespace debit the local connection-rate limiter.
func (s *Supervisor) registerGossipSink(ruleName string, l *limiter.ShardedLimiter[string]) {
	if s.gossipNode != nil {
		s.gossipNode.RegisterSink(ruleName, l)
	}
}

func (s *Supervisor) stopRule(rt *ruleRuntime) {
	if rt.checker != nil {
		rt.checker.Stop()
	}
	if rt.acceptors != nil {
		rt.acceptors.Stop()
	}
	if rt.connRateLimiter != nil {
		rt.connRateLimiter.Close()
	}
	if rt.clientReadBW != nil {
		rt.clientReadBW.Close()
	}
	if rt.clientWriteBW != nil {
		rt.clientWriteBW.Close()
	}
	if rt.backendReadBW != nil {
		rt.backendReadBW.Close()
	}
	if rt.backendWriteBW != nil {
		rt.backendWriteBW.Close()
	}
	s.logger.Info().Str("rule", rt.cfg.Name).Msg("rule stopped")
}

// Shutdown stops every running rule, used during process shutdown.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, rt := range s.rules {
		s.stopRule(rt)
		delete(s.rules, name)
	}
}

// Pools exposes every rule's BackendPool for the admin debug endpoint.
func (s *Supervisor) Pools() map[string]*pool.BackendPool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*pool.BackendPool, len(s.rules))
	for name, rt := range s.rules {
		out[name] = rt.backendPool
	}
	return out
}
