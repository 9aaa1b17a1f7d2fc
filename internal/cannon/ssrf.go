package cannon

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"

	"github.com/dedezza1D/hookflow/internal/store"
)

// BlockedError means a webhook URL was refused before any request was made.
type BlockedError struct {
	Reason string
	URL    string
	Detail string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("webhook url blocked (%s): %s", e.Reason, e.Detail)
}

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
}

func isInternal(a netip.Addr) bool {
	a = a.Unmap()
	if a.IsPrivate() || a.IsLoopback() || a.IsLinkLocalUnicast() || a.IsLinkLocalMulticast() ||
		a.IsInterfaceLocalMulticast() || a.IsMulticast() || a.IsUnspecified() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// CheckURL refuses webhook URLs that point into private address space.
// Admins and deployments with verification disabled skip the address check
// but still need a well-formed http(s) URL.
func (c *Cannon) CheckURL(ctx context.Context, user *store.User, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &BlockedError{Reason: "invalid_url", URL: raw, Detail: err.Error()}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return &BlockedError{Reason: "invalid_url", URL: raw, Detail: "not an absolute http(s) url"}
	}
	if !c.cfg.VerifyURLs || (user != nil && user.Admin) {
		return nil
	}

	host := u.Hostname()
	var addrs []netip.Addr
	if a, err := netip.ParseAddr(host); err == nil {
		addrs = append(addrs, a)
	} else {
		lctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		ips, err := c.resolver.LookupIP(lctx, "ip4", host)
		if err != nil {
			return &BlockedError{Reason: "resolve_failed", URL: raw, Detail: err.Error()}
		}
		for _, ip := range ips {
			if a, ok := netip.AddrFromSlice(ip); ok {
				addrs = append(addrs, a)
			}
		}
	}
	if len(addrs) == 0 {
		return &BlockedError{Reason: "no_addresses", URL: raw, Detail: host + " has no A records"}
	}
	for _, a := range addrs {
		if isInternal(a) {
			return &BlockedError{Reason: "private_address", URL: raw, Detail: host + " resolves to " + a.String()}
		}
	}
	return nil
}
