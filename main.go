package main

import (
	"context"
	"fmt"
	"os"
	"time"

	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/config"
	"github.com/go-i2p/go-i2p-tunnelbuild/lib/sim"
	"github.com/go-i2p/go-i2p-tunnelbuild/lib/util"
	"github.com/go-i2p/go-i2p-tunnelbuild/lib/util/signals"
	"github.com/go-i2p/go-i2p-tunnelbuild/lib/util/time/sntp"
)

var log = logger.GetGoI2PLogger()

var RootCmd = &cobra.Command{
	Use:   "go-i2p-tunnelbuild",
	Short: "I2P tunnel building and pool management",
	Long: `go-i2p-tunnelbuild builds and maintains I2P tunnel pools.
The sim command runs a set of routers in one process and reports on the
tunnels they build for each other.`,
}

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Run an in-process network of routers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.NewConfigFromViper(viper.GetViper())
		if err := config.Validate(cfg); err != nil {
			return err
		}
		return runSim(cmd.Context(), cfg)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the merged configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printYAML(config.NewConfigFromViper(viper.GetViper()))
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for out of range values",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Validate(config.NewConfigFromViper(viper.GetViper())); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "configuration ok")
		return nil
	},
}

func init() {
	cobra.OnInitialize(config.InitConfig)

	RootCmd.PersistentFlags().StringVar(&config.CfgFile, "config", "", "config file (default is $HOME/.go-i2p/tunnelbuild.yaml)")

	simCmd.Flags().Int("routers", config.Defaults().Sim.Routers, "number of routers")
	simCmd.Flags().Int("clients", config.Defaults().Sim.Clients, "client destinations on the first router")
	simCmd.Flags().Duration("duration", config.Defaults().Sim.Duration, "how long to run")
	simCmd.Flags().Duration("latency", config.Defaults().Sim.Latency, "one way link latency")
	simCmd.Flags().StringSlice("ntp", nil, "NTP servers for the shared clock")
	viper.BindPFlag("sim.routers", simCmd.Flags().Lookup("routers"))
	viper.BindPFlag("sim.clients", simCmd.Flags().Lookup("clients"))
	viper.BindPFlag("sim.duration", simCmd.Flags().Lookup("duration"))
	viper.BindPFlag("sim.latency", simCmd.Flags().Lookup("latency"))
	viper.BindPFlag("clock.ntp_servers", simCmd.Flags().Lookup("ntp"))

	configCmd.AddCommand(configShowCmd, configValidateCmd)
	RootCmd.AddCommand(simCmd, configCmd)
}

func runSim(parent context.Context, cfg config.TunnelBuildDefaults) error {
	ctx, cancel := context.WithTimeout(parent, cfg.Sim.Duration)
	defer cancel()

	clock := sntp.NewClock()
	ts := sntp.NewTimestamper(cfg.Clock, nil)
	ts.AddListener(clock)
	ts.Start()
	defer ts.Stop()
	initCtx, initCancel := context.WithTimeout(ctx, 3*cfg.Clock.QueryTimeout)
	if err := ts.WaitForInitialization(initCtx); err != nil {
		log.WithError(err).Warn("clock not synced, using system time")
	}
	initCancel()

	network := sim.NewNetwork(cfg, clock)
	if err := network.Populate(); err != nil {
		return err
	}
	util.RegisterCloser(network)
	defer util.CloseAll()

	go signals.Handle()
	defer signals.StopHandle()
	signals.RegisterInterruptHandler(cancel)
	signals.RegisterReloadHandler(func() {
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).Warn("failed to reload config")
			return
		}
		log.WithField("file", viper.ConfigFileUsed()).Info("config reloaded, restart the sim to apply it")
	})

	network.Start()
	routers := network.Routers()
	if len(routers) == 0 {
		return fmt.Errorf("sim needs at least one router")
	}
	for i := 0; i < cfg.Sim.Clients; i++ {
		var dest common.Hash
		if _, err := rand.Read(dest[:]); err != nil {
			return err
		}
		if err := routers[0].AddClient(dest); err != nil {
			return err
		}
	}
	log.WithFields(logger.Fields{
		"at":       "runSim",
		"routers":  len(routers),
		"clients":  cfg.Sim.Clients,
		"duration": cfg.Sim.Duration,
	}).Info("sim started")

	tick := time.NewTicker(10 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			report(network, false)
		case <-ctx.Done():
			network.Stop()
			return report(network, true)
		}
	}
}

// report logs a one line total, and with final set prints every router.
func report(n *sim.Network, final bool) error {
	var total sim.Summary
	summaries := make([]sim.Summary, 0)
	for _, r := range n.Routers() {
		s := r.Summary()
		summaries = append(summaries, s)
		total.Participating += s.Participating
		total.Inbound += s.Inbound
		total.Outbound += s.Outbound
		total.Succeeded += s.Succeeded
		total.Rejected += s.Rejected
		total.Expired += s.Expired
	}
	log.WithFields(logger.Fields{
		"at":            "report",
		"participating": total.Participating,
		"inbound":       total.Inbound,
		"outbound":      total.Outbound,
		"succeeded":     total.Succeeded,
		"rejected":      total.Rejected,
		"expired":       total.Expired,
	}).Info("sim status")
	if !final {
		return nil
	}
	return printYAML(summaries)
}

func printYAML(v interface{}) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}
