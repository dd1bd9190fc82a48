package tunnel

import (
	"net/netip"

	common "github.com/go-i2p/common/data"
)

// PeerFilter decides whether a candidate may be used for a hop.
type PeerFilter interface {
	Name() string
	Accept(peer common.Hash) bool
}

// FuncFilter wraps a function as a PeerFilter.
type FuncFilter struct {
	name     string
	acceptFn func(peer common.Hash) bool
}

func NewFuncFilter(name string, acceptFn func(peer common.Hash) bool) *FuncFilter {
	return &FuncFilter{name: name, acceptFn: acceptFn}
}

func (f *FuncFilter) Name() string { return f.name }

func (f *FuncFilter) Accept(peer common.Hash) bool { return f.acceptFn(peer) }

// CompositeFilter accepts a peer only when every inner filter does.
type CompositeFilter struct {
	name    string
	filters []PeerFilter
}

func NewCompositeFilter(name string, filters ...PeerFilter) *CompositeFilter {
	return &CompositeFilter{name: name, filters: filters}
}

func (f *CompositeFilter) Name() string { return f.name }

func (f *CompositeFilter) Accept(peer common.Hash) bool {
	for _, filter := range f.filters {
		if !filter.Accept(peer) {
			return false
		}
	}
	return true
}

// subnetFilter rejects peers sharing an address prefix with an already chosen hop.
type subnetFilter struct {
	dir   PeerDirectory
	bytes int
	used  map[string]struct{}
}

func newSubnetFilter(dir PeerDirectory, bytes int) *subnetFilter {
	return &subnetFilter{dir: dir, bytes: bytes, used: make(map[string]struct{})}
}

func (f *subnetFilter) Name() string { return "subnet" }

func (f *subnetFilter) Accept(peer common.Hash) bool {
	if f.bytes <= 0 || f.dir == nil {
		return true
	}
	info, ok := f.dir.LookupLocal(peer)
	if !ok {
		return true
	}
	for _, a := range info.Addresses {
		if _, clash := f.used[f.prefix(a)]; clash {
			return false
		}
	}
	return true
}

// add marks the prefixes of peer as taken.
func (f *subnetFilter) add(peer common.Hash) {
	if f.bytes <= 0 || f.dir == nil {
		return
	}
	info, ok := f.dir.LookupLocal(peer)
	if !ok {
		return
	}
	for _, a := range info.Addresses {
		f.used[f.prefix(a)] = struct{}{}
	}
}

func (f *subnetFilter) prefix(a netip.Addr) string {
	a = a.Unmap()
	b := a.AsSlice()
	n := f.bytes
	if a.Is6() {
		// IPv6 peers are grouped by a /32 per restriction byte pair.
		n *= 2
	}
	if n > len(b) {
		n = len(b)
	}
	return string(b[:n])
}

var (
	_ PeerFilter = (*FuncFilter)(nil)
	_ PeerFilter = (*CompositeFilter)(nil)
	_ PeerFilter = (*subnetFilter)(nil)
)
