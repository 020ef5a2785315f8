package payment

import (
	"net/netip"
	"strings"

	"github.com/go-faster/errors"
)

// Allowlist matches client addresses against single IPs and CIDR ranges.
// An empty Allowlist allows everything.
type Allowlist struct {
	prefixes []netip.Prefix
}

// ParseAllowlist parses entries such as "10.0.0.1" or "10.0.0.0/8".
func ParseAllowlist(entries []string) (Allowlist, error) {
	var a Allowlist
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return Allowlist{}, errors.Wrapf(err, "parse allowlist entry %q", e)
			}
			a.prefixes = append(a.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return Allowlist{}, errors.Wrapf(err, "parse allowlist entry %q", e)
		}
		addr = addr.Unmap()
		a.prefixes = append(a.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return a, nil
}

// Empty reports whether no entries are configured.
func (a Allowlist) Empty() bool {
	return len(a.prefixes) == 0
}

// Allows reports whether ip is allowed.
func (a Allowlist) Allows(ip string) bool {
	if a.Empty() {
		return true
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range a.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
