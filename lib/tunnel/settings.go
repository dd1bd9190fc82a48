package tunnel

import (
	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/crypto/rand"

	"github.com/go-i2p/go-i2p-tunnelbuild/lib/config"
)

// MaxTunnelLength caps any tunnel, counted without us.
const MaxTunnelLength = 7

// MaxLeases caps the leases a client pool publishes.
const MaxLeases = 16

// PoolSettings is the per-pool build policy.
type PoolSettings struct {
	Inbound     bool
	Exploratory bool
	Destination *common.Hash
	Nickname    string

	Length         int
	LengthVariance int
	Quantity       int
	BackupQuantity int
	AllowZeroHop   bool
	// Priority orders pools in the executor; higher builds first among equals.
	Priority int

	// IPRestriction is the number of leading address bytes two hops may not share.
	IPRestriction int
	// ExplicitPeers, when set, replaces profile based selection in client pools.
	ExplicitPeers []common.Hash
	// RandomKey orders peers inside client tunnels.
	RandomKey common.Hash
	// AliasOf names the destination whose tunnels this pool borrows.
	AliasOf *common.Hash
	// Aliases receive the same lease set as this pool.
	Aliases []common.Hash

	// lengthOverride stores the override plus one so the zero value means none.
	lengthOverride int
}

// NewExploratorySettings returns exploratory pool settings from the tunnel defaults.
func NewExploratorySettings(cfg config.TunnelDefaults, inbound bool) PoolSettings {
	s := PoolSettings{
		Inbound:        inbound,
		Exploratory:    true,
		Nickname:       "exploratory",
		Length:         cfg.ExploratoryLength,
		LengthVariance: cfg.ExploratoryLengthVariance,
		Quantity:       cfg.ExploratoryQuantity,
		BackupQuantity: cfg.BackupQuantity,
		AllowZeroHop:   true,
		IPRestriction:  cfg.IPRestriction,
	}
	s.RandomKey = randomKey()
	return s
}

// NewClientSettings returns client pool settings for dest from the tunnel defaults.
func NewClientSettings(cfg config.TunnelDefaults, dest common.Hash, inbound bool) PoolSettings {
	d := dest
	s := PoolSettings{
		Inbound:        inbound,
		Destination:    &d,
		Nickname:       truncateHash(dest),
		Length:         cfg.TunnelLength,
		LengthVariance: cfg.LengthVariance,
		Quantity:       cfg.Quantity,
		BackupQuantity: cfg.BackupQuantity,
		AllowZeroHop:   cfg.AllowZeroHop,
		IPRestriction:  cfg.IPRestriction,
	}
	s.RandomKey = randomKey()
	return s
}

func randomKey() common.Hash {
	var h common.Hash
	_, _ = rand.Read(h[:])
	return h
}

// TotalQuantity is the number of tunnels the pool keeps built.
func (s *PoolSettings) TotalQuantity() int {
	return s.Quantity + s.BackupQuantity
}

// LengthOverride is the temporary length set after poor build success, or -1.
func (s *PoolSettings) LengthOverride() int {
	return s.lengthOverride - 1
}

// SetLengthOverride sets a temporary length; -1 clears it.
func (s *PoolSettings) SetLengthOverride(n int) {
	if n < 0 {
		n = -1
	}
	s.lengthOverride = n + 1
}

// MaxLength is the longest tunnel these settings can produce.
func (s *PoolSettings) MaxLength() int {
	n := s.Length
	if s.LengthVariance > 0 {
		n += s.LengthVariance
	}
	if n > MaxTunnelLength {
		n = MaxTunnelLength
	}
	return n
}

// Merge copies the tunable fields of o into s, keeping identity, direction
// and the random ordering key.
func (s *PoolSettings) Merge(o PoolSettings) {
	s.Length = o.Length
	s.LengthVariance = o.LengthVariance
	s.Quantity = o.Quantity
	s.BackupQuantity = o.BackupQuantity
	s.AllowZeroHop = o.AllowZeroHop
	s.Priority = o.Priority
	s.IPRestriction = o.IPRestriction
	s.ExplicitPeers = o.ExplicitPeers
	if o.Nickname != "" {
		s.Nickname = o.Nickname
	}
	s.Aliases = o.Aliases
}
