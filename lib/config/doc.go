// Package config provides configuration management for tunnel construction.
//
// Defaults returns the built-in values. InitConfig layers a YAML file over
// them through viper, reading $HOME/.go-i2p/tunnelbuild.yaml unless CfgFile
// names another file, and NewConfigFromViper turns the merged settings into a
// TunnelBuildDefaults. Validate should be called before the values reach the
// tunnel packages.
//
// Keys are grouped by component:
//   - tunnel.*: pool sizes, lengths, lifetimes and peer spread
//   - executor.*: concurrent build budget and reply timeouts
//   - handler.*: request queue, age checks and next hop lookups
//   - throttle.participating.*, throttle.request.*: per-peer limits
//   - admission.*: participating tunnel limits
//   - replay.*: build record replay filters
//   - clock.*: optional NTP corrected clock
//   - sim.*: the in-process network used by the sim command
package config
