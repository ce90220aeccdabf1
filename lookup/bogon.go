package lookup

import (
	"net"
	"net/netip"

	"github.com/yl2chen/cidranger"
)

// BogonFilter rejects addresses inside reserved or private ranges. Poisoned
// DNS answers for blocked domains commonly point there.
type BogonFilter struct {
	ranger cidranger.Ranger
}

func NewBogonFilter(cidrs []string) (*BogonFilter, error) {
	r := cidranger.NewPCTrieRanger()
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, err
		}
		if err := r.Insert(cidranger.NewBasicRangerEntry(*n)); err != nil {
			return nil, err
		}
	}
	return &BogonFilter{ranger: r}, nil
}

func (f *BogonFilter) Allow(addr netip.Addr) bool {
	if !addr.IsValid() || addr.IsUnspecified() {
		return false
	}
	ok, err := f.ranger.Contains(net.IP(addr.Unmap().AsSlice()))
	return err == nil && !ok
}
