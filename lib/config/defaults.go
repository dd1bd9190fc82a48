package config

import (
	"path/filepath"
	"time"

	"github.com/go-i2p/logger"
)

// TunnelBuildDefaults contains all configuration values for tunnel construction.
// This centralizes default values to make them easy to discover, document, and modify.
type TunnelBuildDefaults struct {
	Router    RouterDefaults    `yaml:"router"`
	Tunnel    TunnelDefaults    `yaml:"tunnel"`
	Executor  ExecutorDefaults  `yaml:"executor"`
	Handler   HandlerDefaults   `yaml:"handler"`
	Throttle  ThrottleDefaults  `yaml:"throttle"`
	Admission AdmissionDefaults `yaml:"admission"`
	Replay    ReplayDefaults    `yaml:"replay"`
	Clock     ClockDefaults     `yaml:"clock"`
	Sim       SimDefaults       `yaml:"sim"`
}

// RouterDefaults contains default values for router directories
type RouterDefaults struct {
	// BaseDir is where per-system defaults are stored
	// Default: $HOME/.go-i2p/base
	BaseDir string `yaml:"base_dir"`

	// WorkingDir is where runtime files are modified
	// Default: $HOME/.go-i2p/config
	WorkingDir string `yaml:"working_dir"`
}

// TunnelDefaults contains default values for tunnel pools
type TunnelDefaults struct {
	// TunnelLength is hops per client tunnel, not counting us
	// Default: 3 hops
	TunnelLength int `yaml:"length"`

	// LengthVariance randomizes client tunnel length. Positive values only
	// add hops; negative values add or remove up to that many.
	// Default: 0
	LengthVariance int `yaml:"length_variance"`

	// Quantity is client tunnels kept per direction
	// Default: 2
	Quantity int `yaml:"quantity"`

	// BackupQuantity is extra tunnels kept for failover
	// Default: 0
	BackupQuantity int `yaml:"backup_quantity"`

	// AllowZeroHop lets client pools fall back to tunnels made of us alone
	// Default: false
	AllowZeroHop bool `yaml:"allow_zero_hop"`

	// ExploratoryLength is hops per exploratory tunnel
	// Default: 2 hops
	ExploratoryLength int `yaml:"exploratory_length"`

	// ExploratoryLengthVariance randomizes exploratory tunnel length
	// Default: 0
	ExploratoryLengthVariance int `yaml:"exploratory_length_variance"`

	// ExploratoryQuantity is exploratory tunnels kept per direction
	// Default: 2
	ExploratoryQuantity int `yaml:"exploratory_quantity"`

	// IPRestriction is the number of leading address bytes two hops may share
	// before the later one is skipped. 0 disables the check.
	// Default: 2 (a /16 for IPv4)
	IPRestriction int `yaml:"ip_restriction"`

	// TunnelLifetime is how long tunnels stay active
	// Default: 10 minutes (I2P protocol standard)
	TunnelLifetime time.Duration `yaml:"lifetime"`

	// RebuildLead is how long before expiration a replacement is requested
	// Default: 150 seconds
	RebuildLead time.Duration `yaml:"rebuild_lead"`

	// ExploratoryRebuildLead applies to exploratory and single tunnel pools
	// Default: 90 seconds
	ExploratoryRebuildLead time.Duration `yaml:"exploratory_rebuild_lead"`

	// ExpireGrace is how long after expiration a tunnel leaves its pool
	// Default: 15 seconds
	ExpireGrace time.Duration `yaml:"expire_grace"`

	// DeregisterDelay is how long after leaving the pool a tunnel is removed
	// from the dispatch layer
	// Default: 2 minutes
	DeregisterDelay time.Duration `yaml:"deregister_delay"`

	// MaxPeerTunnelPercent is the share of our tunnels one peer may appear in
	// Default: 33
	MaxPeerTunnelPercent int `yaml:"max_peer_tunnel_percent"`
}

// ExecutorDefaults contains default values for the build executor loop
type ExecutorDefaults struct {
	// MinConcurrentBuilds is the floor of the concurrent build budget
	// Default: 2
	MinConcurrentBuilds int `yaml:"min_concurrent_builds"`

	// MaxConcurrentBuilds is the ceiling of the concurrent build budget
	// Default: 13
	MaxConcurrentBuilds int `yaml:"max_concurrent_builds"`

	// BandwidthQuantumKBps is outbound bandwidth needed per concurrent build
	// Default: 6 KBps
	BandwidthQuantumKBps int `yaml:"bandwidth_quantum_kbps"`

	// RequestTimeout is how long a build attempt may wait for its reply
	// Default: 13 seconds
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// FirstHopTimeout bounds the direct send to the first hop
	// Default: 5 seconds
	FirstHopTimeout time.Duration `yaml:"first_hop_timeout"`

	// GracePeriod is how long expired attempts are remembered to classify late replies
	// Default: 60 seconds
	GracePeriod time.Duration `yaml:"grace_period"`

	// LoopTime is the base sleep between executor passes
	// Default: 1 second
	LoopTime time.Duration `yaml:"loop_time"`

	// MaxSendsPerPass caps new build requests per pass
	// Default: 2
	MaxSendsPerPass int `yaml:"max_sends_per_pass"`

	// SlowBuildTime is the median build time above which the budget shrinks
	// Default: 75 milliseconds
	SlowBuildTime time.Duration `yaml:"slow_build_time"`

	// MaxJobLag stops new builds once scheduling lag exceeds it
	// Default: 2 seconds
	MaxJobLag time.Duration `yaml:"max_job_lag"`

	// JobLagUptime is the uptime before job lag is taken into account
	// Default: 5 minutes
	JobLagUptime time.Duration `yaml:"job_lag_uptime"`
}

// HandlerDefaults contains default values for inbound build request handling
type HandlerDefaults struct {
	// MinQueue and MaxQueue bound the request queue; the size in between
	// follows share bandwidth.
	// Default: 16 and 192
	MinQueue int `yaml:"min_queue"`
	MaxQueue int `yaml:"max_queue"`

	// MaxHandleAtOnce is requests handled per wakeup
	// Default: 5
	MaxHandleAtOnce int `yaml:"max_handle_at_once"`

	// NextHopLookupTimeout bounds the remote lookup of an unknown next hop
	// Default: 5 seconds
	NextHopLookupTimeout time.Duration `yaml:"next_hop_lookup_timeout"`

	// LookupsPerSecond and LookupBurst budget remote next hop lookups
	// Default: 10 per second, burst 20
	LookupsPerSecond float64 `yaml:"lookups_per_second"`
	LookupBurst      int     `yaml:"lookup_burst"`

	// MaxRequestAge drops records whose request time is older
	// Default: 5 minutes
	MaxRequestAge time.Duration `yaml:"max_request_age"`

	// MaxRequestFuture drops records whose request time is this far ahead
	// Default: 2 minutes
	MaxRequestFuture time.Duration `yaml:"max_request_future"`

	// MaxRequestedDuration drops records asking for a longer tunnel lifetime
	// Default: 10 minutes
	MaxRequestedDuration time.Duration `yaml:"max_requested_duration"`

	// ParticipatingLifetime is the lifetime of a tunnel we join
	// Default: 10 minutes
	ParticipatingLifetime time.Duration `yaml:"participating_lifetime"`

	// ForwardExpiration is the expiration of forwarded build messages
	// Default: 10 seconds
	ForwardExpiration time.Duration `yaml:"forward_expiration"`
}

// ThrottleParams parameterizes one per-peer throttle. The per-peer limit is
// Percent of the participating tunnel count, clamped to [Min, Max].
type ThrottleParams struct {
	Min         int           `yaml:"min"`
	Max         int           `yaml:"max"`
	Percent     int           `yaml:"percent"`
	ResetPeriod time.Duration `yaml:"reset_period"`
}

// ThrottleDefaults contains the two per-peer throttles
type ThrottleDefaults struct {
	// Participating limits how many of our participating tunnels a peer may
	// be the previous or next hop of
	// Default: 20..100, 3%, reset every 11 minutes
	Participating ThrottleParams `yaml:"participating"`

	// Request limits how many build requests a previous hop may send
	// Default: 45..165, 12%, reset every 2 minutes
	Request ThrottleParams `yaml:"request"`
}

// AdmissionDefaults contains participating tunnel limits
type AdmissionDefaults struct {
	// MaxParticipatingTunnels is the hard limit on tunnels where we act as a hop.
	// Probabilistic rejection starts at half of it.
	// Default: 15000
	MaxParticipatingTunnels int `yaml:"max_participating_tunnels"`

	// LimitsEnabled turns the soft and hard limits on
	// Default: true
	LimitsEnabled bool `yaml:"limits_enabled"`

	// SweepInterval is how often expired participating tunnels are removed
	// Default: 1 minute
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// SoftLimit returns 50% of MaxParticipatingTunnels.
func (a AdmissionDefaults) SoftLimit() int {
	return a.MaxParticipatingTunnels / 2
}

// ReplayDefaults contains build record replay filter settings
type ReplayDefaults struct {
	// Capacity is keys per filter generation; 0 scales with the memory limit
	// Default: 0
	Capacity int `yaml:"capacity"`

	// LongPeriod is the rotation period for long records
	// Default: 10 minutes
	LongPeriod time.Duration `yaml:"long_period"`

	// ShortPeriod is the rotation period for short records
	// Default: 5 minutes
	ShortPeriod time.Duration `yaml:"short_period"`
}

// ClockDefaults contains time source settings
type ClockDefaults struct {
	// NTPServers enables the NTP corrected clock when not empty
	// Default: none (system clock)
	NTPServers []string `yaml:"ntp_servers"`

	// QueryInterval is how often the offset is refreshed
	// Default: 10 minutes
	QueryInterval time.Duration `yaml:"query_interval"`

	// QueryTimeout bounds one NTP query
	// Default: 5 seconds
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// SimDefaults contains settings for the in-process network
type SimDefaults struct {
	// Routers is the number of simulated routers
	// Default: 12
	Routers int `yaml:"routers"`

	// Clients is the number of client destinations on the first router
	// Default: 2
	Clients int `yaml:"clients"`

	// Duration is how long the sim command runs
	// Default: 2 minutes
	Duration time.Duration `yaml:"duration"`

	// Latency is the one-way delay of every simulated link
	// Default: 20 milliseconds
	Latency time.Duration `yaml:"latency"`

	// LongRecordPercent is the share of routers without short record support
	// Default: 25
	LongRecordPercent int `yaml:"long_record_percent"`

	// BandwidthKBps is each router's outbound and share bandwidth
	// Default: 512 KBps
	BandwidthKBps int `yaml:"bandwidth_kbps"`
}

// Defaults returns the default configuration.
func Defaults() TunnelBuildDefaults {
	return TunnelBuildDefaults{
		Router: RouterDefaults{
			BaseDir:    filepath.Join(BuildI2PDirPath(), "base"),
			WorkingDir: filepath.Join(BuildI2PDirPath(), "config"),
		},
		Tunnel:    buildTunnelDefaults(),
		Executor:  buildExecutorDefaults(),
		Handler:   buildHandlerDefaults(),
		Throttle:  buildThrottleDefaults(),
		Admission: AdmissionDefaults{MaxParticipatingTunnels: 15000, LimitsEnabled: true, SweepInterval: time.Minute},
		Replay:    ReplayDefaults{LongPeriod: 10 * time.Minute, ShortPeriod: 5 * time.Minute},
		Clock:     ClockDefaults{QueryInterval: 10 * time.Minute, QueryTimeout: 5 * time.Second},
		Sim: SimDefaults{
			Routers:           12,
			Clients:           2,
			Duration:          2 * time.Minute,
			Latency:           20 * time.Millisecond,
			LongRecordPercent: 25,
			BandwidthKBps:     512,
		},
	}
}

// buildTunnelDefaults creates default tunnel pool values.
func buildTunnelDefaults() TunnelDefaults {
	return TunnelDefaults{
		TunnelLength:           3,
		Quantity:               2,
		ExploratoryLength:      2,
		ExploratoryQuantity:    2,
		IPRestriction:          2,
		TunnelLifetime:         10 * time.Minute,
		RebuildLead:            150 * time.Second,
		ExploratoryRebuildLead: 90 * time.Second,
		ExpireGrace:            15 * time.Second,
		DeregisterDelay:        2 * time.Minute,
		MaxPeerTunnelPercent:   33,
	}
}

// buildExecutorDefaults creates default build executor values.
func buildExecutorDefaults() ExecutorDefaults {
	return ExecutorDefaults{
		MinConcurrentBuilds:  2,
		MaxConcurrentBuilds:  13,
		BandwidthQuantumKBps: 6,
		RequestTimeout:       13 * time.Second,
		FirstHopTimeout:      5 * time.Second,
		GracePeriod:          60 * time.Second,
		LoopTime:             time.Second,
		MaxSendsPerPass:      2,
		SlowBuildTime:        75 * time.Millisecond,
		MaxJobLag:            2 * time.Second,
		JobLagUptime:         5 * time.Minute,
	}
}

// buildHandlerDefaults creates default build handler values.
func buildHandlerDefaults() HandlerDefaults {
	return HandlerDefaults{
		MinQueue:              16,
		MaxQueue:              192,
		MaxHandleAtOnce:       5,
		NextHopLookupTimeout:  5 * time.Second,
		LookupsPerSecond:      10,
		LookupBurst:           20,
		MaxRequestAge:         5 * time.Minute,
		MaxRequestFuture:      2 * time.Minute,
		MaxRequestedDuration:  10 * time.Minute,
		ParticipatingLifetime: 10 * time.Minute,
		ForwardExpiration:     10 * time.Second,
	}
}

// buildThrottleDefaults creates default per-peer throttle values.
func buildThrottleDefaults() ThrottleDefaults {
	return ThrottleDefaults{
		Participating: ThrottleParams{Min: 20, Max: 100, Percent: 3, ResetPeriod: 11 * time.Minute},
		Request:       ThrottleParams{Min: 45, Max: 165, Percent: 12, ResetPeriod: 2 * time.Minute},
	}
}

// Validate checks if the provided configuration values are reasonable.
// Returns an error describing the first invalid value found.
func Validate(cfg TunnelBuildDefaults) error {
	log.WithFields(logger.Fields{
		"at":     "ValidateConfigDefaults",
		"reason": "verification_requested",
	}).Debug("validating configuration defaults")
	validators := []func() error{
		func() error { return validateTunnel(cfg.Tunnel) },
		func() error { return validateExecutor(cfg.Executor) },
		func() error { return validateHandler(cfg.Handler) },
		func() error { return validateThrottle("Throttle.Participating", cfg.Throttle.Participating) },
		func() error { return validateThrottle("Throttle.Request", cfg.Throttle.Request) },
		func() error { return validateAdmission(cfg.Admission) },
		func() error { return validateReplay(cfg.Replay, cfg.Handler) },
	}
	for _, validator := range validators {
		if err := validator(); err != nil {
			log.WithError(err).Error("Configuration validation failed")
			return err
		}
	}
	return nil
}

// validateTunnel validates tunnel pool settings.
func validateTunnel(tunnel TunnelDefaults) error {
	if tunnel.TunnelLength < 0 || tunnel.TunnelLength > 7 {
		log.WithFields(logger.Fields{
			"at":            "validateTunnelConfig",
			"reason":        "tunnel_length_out_of_range",
			"tunnel_length": tunnel.TunnelLength,
		}).Error("invalid tunnel configuration")
		return newValidationError("Tunnel.TunnelLength must be between 0 and 7")
	}
	if tunnel.ExploratoryLength < 0 || tunnel.ExploratoryLength > 7 {
		return newValidationError("Tunnel.ExploratoryLength must be between 0 and 7")
	}
	if tunnel.Quantity < 1 || tunnel.ExploratoryQuantity < 1 {
		return newValidationError("Tunnel.Quantity and Tunnel.ExploratoryQuantity must be at least 1")
	}
	if tunnel.BackupQuantity < 0 {
		return newValidationError("Tunnel.BackupQuantity must not be negative")
	}
	if tunnel.TunnelLifetime < time.Minute {
		return newValidationError("Tunnel.TunnelLifetime must be at least 1 minute")
	}
	if tunnel.RebuildLead >= tunnel.TunnelLifetime || tunnel.ExploratoryRebuildLead >= tunnel.TunnelLifetime {
		return newValidationError("Tunnel rebuild leads must be shorter than TunnelLifetime")
	}
	if tunnel.MaxPeerTunnelPercent < 1 || tunnel.MaxPeerTunnelPercent > 100 {
		return newValidationError("Tunnel.MaxPeerTunnelPercent must be between 1 and 100")
	}
	return nil
}

// validateExecutor validates build executor settings.
func validateExecutor(e ExecutorDefaults) error {
	if e.MinConcurrentBuilds < 1 || e.MaxConcurrentBuilds < e.MinConcurrentBuilds {
		log.WithFields(logger.Fields{
			"at":                    "validateExecutorConfig",
			"reason":                "concurrent_builds_out_of_range",
			"min_concurrent_builds": e.MinConcurrentBuilds,
			"max_concurrent_builds": e.MaxConcurrentBuilds,
		}).Error("invalid executor configuration")
		return newValidationError("Executor.MaxConcurrentBuilds must be >= MinConcurrentBuilds >= 1")
	}
	if e.BandwidthQuantumKBps < 1 {
		return newValidationError("Executor.BandwidthQuantumKBps must be at least 1")
	}
	if e.RequestTimeout < time.Second {
		return newValidationError("Executor.RequestTimeout must be at least 1 second")
	}
	if e.FirstHopTimeout <= 0 || e.FirstHopTimeout >= e.RequestTimeout {
		return newValidationError("Executor.FirstHopTimeout must be shorter than RequestTimeout")
	}
	if e.LoopTime <= 0 || e.MaxSendsPerPass < 1 {
		return newValidationError("Executor.LoopTime and MaxSendsPerPass must be positive")
	}
	return nil
}

// validateHandler validates build handler settings.
func validateHandler(h HandlerDefaults) error {
	if h.MinQueue < 1 || h.MaxQueue < h.MinQueue {
		return newValidationError("Handler.MaxQueue must be >= MinQueue >= 1")
	}
	if h.MaxHandleAtOnce < 1 {
		return newValidationError("Handler.MaxHandleAtOnce must be at least 1")
	}
	if h.LookupsPerSecond <= 0 || h.LookupBurst < 1 {
		return newValidationError("Handler lookup budget must be positive")
	}
	if h.MaxRequestAge < time.Minute {
		return newValidationError("Handler.MaxRequestAge must be at least 1 minute")
	}
	return nil
}

// validateThrottle validates one per-peer throttle.
func validateThrottle(name string, p ThrottleParams) error {
	if p.Min < 1 || p.Max < p.Min {
		log.WithFields(logger.Fields{
			"at":       "validateThrottleConfig",
			"reason":   "bounds_out_of_range",
			"throttle": name,
			"min":      p.Min,
			"max":      p.Max,
		}).Error("invalid throttle configuration")
		return newValidationError(name + ".Max must be >= Min >= 1")
	}
	if p.Percent < 1 || p.Percent > 100 {
		return newValidationError(name + ".Percent must be between 1 and 100")
	}
	if p.ResetPeriod < time.Second {
		return newValidationError(name + ".ResetPeriod must be at least 1 second")
	}
	return nil
}

// validateAdmission validates participating tunnel limits.
func validateAdmission(a AdmissionDefaults) error {
	if a.LimitsEnabled && a.MaxParticipatingTunnels < 100 {
		log.WithFields(logger.Fields{
			"at":                        "validateAdmissionConfig",
			"reason":                    "max_participating_too_low",
			"max_participating_tunnels": a.MaxParticipatingTunnels,
			"minimum_required":          100,
		}).Error("invalid admission configuration")
		return newValidationError("Admission.MaxParticipatingTunnels must be at least 100")
	}
	if a.SweepInterval <= 0 {
		return newValidationError("Admission.SweepInterval must be positive")
	}
	return nil
}

// validateReplay checks that each filter remembers records for at least the
// accepted request age.
func validateReplay(r ReplayDefaults, h HandlerDefaults) error {
	if r.Capacity < 0 {
		return newValidationError("Replay.Capacity must not be negative")
	}
	if r.LongPeriod < h.MaxRequestAge || r.ShortPeriod < h.MaxRequestAge {
		return newValidationError("Replay periods must be at least Handler.MaxRequestAge")
	}
	return nil
}

// validationError is returned when configuration validation fails
type validationError struct {
	message string
}

func newValidationError(message string) error {
	return &validationError{message: message}
}

func (e *validationError) Error() string {
	return "configuration validation failed: " + e.message
}
