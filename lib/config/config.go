package config

import (
	"os"
	"path/filepath"

	"github.com/go-i2p/logger"
	"github.com/spf13/viper"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/util"
)

var (
	CfgFile string
	log     = logger.GetGoI2PLogger()
)

const (
	GOI2P_BASE_DIR   = ".go-i2p"
	CONFIG_FILE_NAME = "tunnelbuild"
)

// InitConfig loads defaults, then the config file, creating it if needed.
func InitConfig() {
	if CfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(CfgFile)
	} else {
		// Set up viper to use the default config path $HOME/.go-i2p/
		viper.AddConfigPath(BuildI2PDirPath())
		viper.SetConfigName(CONFIG_FILE_NAME)
		viper.SetConfigType("yaml")
	}

	// Load defaults
	SetDefaults(viper.GetViper())

	// handle config file creating it if needed
	handleConfigFile()
}

// SetDefaults registers every default under its config key.
func SetDefaults(v *viper.Viper) {
	d := Defaults()

	v.SetDefault("base_dir", d.Router.BaseDir)
	v.SetDefault("working_dir", d.Router.WorkingDir)

	// Tunnel pools
	v.SetDefault("tunnel.length", d.Tunnel.TunnelLength)
	v.SetDefault("tunnel.length_variance", d.Tunnel.LengthVariance)
	v.SetDefault("tunnel.quantity", d.Tunnel.Quantity)
	v.SetDefault("tunnel.backup_quantity", d.Tunnel.BackupQuantity)
	v.SetDefault("tunnel.allow_zero_hop", d.Tunnel.AllowZeroHop)
	v.SetDefault("tunnel.exploratory_length", d.Tunnel.ExploratoryLength)
	v.SetDefault("tunnel.exploratory_length_variance", d.Tunnel.ExploratoryLengthVariance)
	v.SetDefault("tunnel.exploratory_quantity", d.Tunnel.ExploratoryQuantity)
	v.SetDefault("tunnel.ip_restriction", d.Tunnel.IPRestriction)
	v.SetDefault("tunnel.lifetime", d.Tunnel.TunnelLifetime)
	v.SetDefault("tunnel.rebuild_lead", d.Tunnel.RebuildLead)
	v.SetDefault("tunnel.exploratory_rebuild_lead", d.Tunnel.ExploratoryRebuildLead)
	v.SetDefault("tunnel.expire_grace", d.Tunnel.ExpireGrace)
	v.SetDefault("tunnel.deregister_delay", d.Tunnel.DeregisterDelay)
	v.SetDefault("tunnel.max_peer_tunnel_percent", d.Tunnel.MaxPeerTunnelPercent)

	// Build executor
	v.SetDefault("executor.min_concurrent_builds", d.Executor.MinConcurrentBuilds)
	v.SetDefault("executor.max_concurrent_builds", d.Executor.MaxConcurrentBuilds)
	v.SetDefault("executor.bandwidth_quantum_kbps", d.Executor.BandwidthQuantumKBps)
	v.SetDefault("executor.request_timeout", d.Executor.RequestTimeout)
	v.SetDefault("executor.first_hop_timeout", d.Executor.FirstHopTimeout)
	v.SetDefault("executor.grace_period", d.Executor.GracePeriod)
	v.SetDefault("executor.loop_time", d.Executor.LoopTime)
	v.SetDefault("executor.max_sends_per_pass", d.Executor.MaxSendsPerPass)
	v.SetDefault("executor.slow_build_time", d.Executor.SlowBuildTime)
	v.SetDefault("executor.max_job_lag", d.Executor.MaxJobLag)
	v.SetDefault("executor.job_lag_uptime", d.Executor.JobLagUptime)

	// Build handler
	v.SetDefault("handler.min_queue", d.Handler.MinQueue)
	v.SetDefault("handler.max_queue", d.Handler.MaxQueue)
	v.SetDefault("handler.max_handle_at_once", d.Handler.MaxHandleAtOnce)
	v.SetDefault("handler.next_hop_lookup_timeout", d.Handler.NextHopLookupTimeout)
	v.SetDefault("handler.lookups_per_second", d.Handler.LookupsPerSecond)
	v.SetDefault("handler.lookup_burst", d.Handler.LookupBurst)
	v.SetDefault("handler.max_request_age", d.Handler.MaxRequestAge)
	v.SetDefault("handler.max_request_future", d.Handler.MaxRequestFuture)
	v.SetDefault("handler.max_requested_duration", d.Handler.MaxRequestedDuration)
	v.SetDefault("handler.participating_lifetime", d.Handler.ParticipatingLifetime)
	v.SetDefault("handler.forward_expiration", d.Handler.ForwardExpiration)

	// Throttles
	setThrottleDefaults(v, "throttle.participating", d.Throttle.Participating)
	setThrottleDefaults(v, "throttle.request", d.Throttle.Request)

	// Admission
	v.SetDefault("admission.max_participating_tunnels", d.Admission.MaxParticipatingTunnels)
	v.SetDefault("admission.limits_enabled", d.Admission.LimitsEnabled)
	v.SetDefault("admission.sweep_interval", d.Admission.SweepInterval)

	// Replay filters
	v.SetDefault("replay.capacity", d.Replay.Capacity)
	v.SetDefault("replay.long_period", d.Replay.LongPeriod)
	v.SetDefault("replay.short_period", d.Replay.ShortPeriod)

	// Clock
	v.SetDefault("clock.ntp_servers", d.Clock.NTPServers)
	v.SetDefault("clock.query_interval", d.Clock.QueryInterval)
	v.SetDefault("clock.query_timeout", d.Clock.QueryTimeout)

	// Simulation
	v.SetDefault("sim.routers", d.Sim.Routers)
	v.SetDefault("sim.clients", d.Sim.Clients)
	v.SetDefault("sim.duration", d.Sim.Duration)
	v.SetDefault("sim.latency", d.Sim.Latency)
	v.SetDefault("sim.long_record_percent", d.Sim.LongRecordPercent)
	v.SetDefault("sim.bandwidth_kbps", d.Sim.BandwidthKBps)
}

func setThrottleDefaults(v *viper.Viper, prefix string, p ThrottleParams) {
	v.SetDefault(prefix+".min", p.Min)
	v.SetDefault(prefix+".max", p.Max)
	v.SetDefault(prefix+".percent", p.Percent)
	v.SetDefault(prefix+".reset_period", p.ResetPeriod)
}

// NewConfigFromViper creates a TunnelBuildDefaults from the given viper settings.
// Passing nil reads the global viper instance.
func NewConfigFromViper(v *viper.Viper) TunnelBuildDefaults {
	if v == nil {
		v = viper.GetViper()
	}
	return TunnelBuildDefaults{
		Router: RouterDefaults{
			BaseDir:    v.GetString("base_dir"),
			WorkingDir: v.GetString("working_dir"),
		},
		Tunnel: TunnelDefaults{
			TunnelLength:              v.GetInt("tunnel.length"),
			LengthVariance:            v.GetInt("tunnel.length_variance"),
			Quantity:                  v.GetInt("tunnel.quantity"),
			BackupQuantity:            v.GetInt("tunnel.backup_quantity"),
			AllowZeroHop:              v.GetBool("tunnel.allow_zero_hop"),
			ExploratoryLength:         v.GetInt("tunnel.exploratory_length"),
			ExploratoryLengthVariance: v.GetInt("tunnel.exploratory_length_variance"),
			ExploratoryQuantity:       v.GetInt("tunnel.exploratory_quantity"),
			IPRestriction:             v.GetInt("tunnel.ip_restriction"),
			TunnelLifetime:            v.GetDuration("tunnel.lifetime"),
			RebuildLead:               v.GetDuration("tunnel.rebuild_lead"),
			ExploratoryRebuildLead:    v.GetDuration("tunnel.exploratory_rebuild_lead"),
			ExpireGrace:               v.GetDuration("tunnel.expire_grace"),
			DeregisterDelay:           v.GetDuration("tunnel.deregister_delay"),
			MaxPeerTunnelPercent:      v.GetInt("tunnel.max_peer_tunnel_percent"),
		},
		Executor: ExecutorDefaults{
			MinConcurrentBuilds:  v.GetInt("executor.min_concurrent_builds"),
			MaxConcurrentBuilds:  v.GetInt("executor.max_concurrent_builds"),
			BandwidthQuantumKBps: v.GetInt("executor.bandwidth_quantum_kbps"),
			RequestTimeout:       v.GetDuration("executor.request_timeout"),
			FirstHopTimeout:      v.GetDuration("executor.first_hop_timeout"),
			GracePeriod:          v.GetDuration("executor.grace_period"),
			LoopTime:             v.GetDuration("executor.loop_time"),
			MaxSendsPerPass:      v.GetInt("executor.max_sends_per_pass"),
			SlowBuildTime:        v.GetDuration("executor.slow_build_time"),
			MaxJobLag:            v.GetDuration("executor.max_job_lag"),
			JobLagUptime:         v.GetDuration("executor.job_lag_uptime"),
		},
		Handler: HandlerDefaults{
			MinQueue:              v.GetInt("handler.min_queue"),
			MaxQueue:              v.GetInt("handler.max_queue"),
			MaxHandleAtOnce:       v.GetInt("handler.max_handle_at_once"),
			NextHopLookupTimeout:  v.GetDuration("handler.next_hop_lookup_timeout"),
			LookupsPerSecond:      v.GetFloat64("handler.lookups_per_second"),
			LookupBurst:           v.GetInt("handler.lookup_burst"),
			MaxRequestAge:         v.GetDuration("handler.max_request_age"),
			MaxRequestFuture:      v.GetDuration("handler.max_request_future"),
			MaxRequestedDuration:  v.GetDuration("handler.max_requested_duration"),
			ParticipatingLifetime: v.GetDuration("handler.participating_lifetime"),
			ForwardExpiration:     v.GetDuration("handler.forward_expiration"),
		},
		Throttle: ThrottleDefaults{
			Participating: throttleFromViper(v, "throttle.participating"),
			Request:       throttleFromViper(v, "throttle.request"),
		},
		Admission: AdmissionDefaults{
			MaxParticipatingTunnels: v.GetInt("admission.max_participating_tunnels"),
			LimitsEnabled:           v.GetBool("admission.limits_enabled"),
			SweepInterval:           v.GetDuration("admission.sweep_interval"),
		},
		Replay: ReplayDefaults{
			Capacity:    v.GetInt("replay.capacity"),
			LongPeriod:  v.GetDuration("replay.long_period"),
			ShortPeriod: v.GetDuration("replay.short_period"),
		},
		Clock: ClockDefaults{
			NTPServers:    v.GetStringSlice("clock.ntp_servers"),
			QueryInterval: v.GetDuration("clock.query_interval"),
			QueryTimeout:  v.GetDuration("clock.query_timeout"),
		},
		Sim: SimDefaults{
			Routers:           v.GetInt("sim.routers"),
			Clients:           v.GetInt("sim.clients"),
			Duration:          v.GetDuration("sim.duration"),
			Latency:           v.GetDuration("sim.latency"),
			LongRecordPercent: v.GetInt("sim.long_record_percent"),
			BandwidthKBps:     v.GetInt("sim.bandwidth_kbps"),
		},
	}
}

func throttleFromViper(v *viper.Viper, prefix string) ThrottleParams {
	return ThrottleParams{
		Min:         v.GetInt(prefix + ".min"),
		Max:         v.GetInt(prefix + ".max"),
		Percent:     v.GetInt(prefix + ".percent"),
		ResetPeriod: v.GetDuration(prefix + ".reset_period"),
	}
}

func createDefaultConfig(defaultConfigDir string) {
	defaultConfigFile := filepath.Join(defaultConfigDir, CONFIG_FILE_NAME+".yaml")
	// Ensure directory exists
	if err := os.MkdirAll(defaultConfigDir, 0o755); err != nil {
		log.Fatalf("Could not create config directory: %s", err)
	}

	// Write current config file
	if err := viper.SafeWriteConfigAs(defaultConfigFile); err != nil {
		log.Fatalf("Could not write default config file: %s", err)
	}

	log.Debugf("Created default configuration at: %s", defaultConfigFile)
}

func handleConfigFile() {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if CfgFile != "" {
				log.Fatalf("Config file %s is not found: %s", CfgFile, err)
			} else {
				createDefaultConfig(BuildI2PDirPath())
			}
		} else {
			log.Fatalf("Error reading config file: %s", err)
		}
	} else {
		log.Debugf("Using config file: %s", viper.ConfigFileUsed())
	}
}

func BuildI2PDirPath() string {
	return filepath.Join(util.UserHome(), GOI2P_BASE_DIR)
}
