package tracker

import (
	"context"
	"net"
)

// VisitHook receives the visit record and may change it in place.
type VisitHook func(ctx context.Context, visit *Visit)

// IPHook may rewrite the visitor IP before it is fingerprinted and stored.
type IPHook func(ctx context.Context, ip net.IP) net.IP

// Hooks are the extension points of the visit state machine. Each list runs
// in registration order, synchronously, on the request goroutine.
type Hooks struct {
	// OnSetVisitorIP runs once a request passed the exclusion rules, before
	// the IP is fingerprinted and stored.
	OnSetVisitorIP []IPHook
	// OnNewVisit runs before a new visit is inserted.
	OnNewVisit []VisitHook
	// OnBeforeVisitUpdate runs before a known visit is updated. The record
	// carries the matched visit's identity and the values this request
	// writes; only those columns, plus Extra, reach the row.
	OnBeforeVisitUpdate []VisitHook
	// OnAfterVisitSaved runs after a new visit is inserted.
	OnAfterVisitSaved []VisitHook
	// OnAfterVisitUpdated runs after a known visit is updated.
	OnAfterVisitUpdated []VisitHook
}

func (h *Hooks) setVisitorIP(ctx context.Context, ip net.IP) net.IP {
	for _, fn := range h.OnSetVisitorIP {
		if out := fn(ctx, ip); out != nil {
			ip = out
		}
	}
	return ip
}

func runVisitHooks(ctx context.Context, hooks []VisitHook, visit *Visit) {
	for _, fn := range hooks {
		fn(ctx, visit)
	}
}

// AnonymizeIP returns an OnSetVisitorIP hook that zeroes the last bytes of
// the address: ipv4Bytes of an IPv4 address, ten bytes of an IPv6 address.
func AnonymizeIP(ipv4Bytes int) IPHook {
	if ipv4Bytes < 0 {
		ipv4Bytes = 0
	}
	if ipv4Bytes > 4 {
		ipv4Bytes = 4
	}
	return func(_ context.Context, ip net.IP) net.IP {
		out := make(net.IP, len(ip))
		copy(out, ip)
		n := ipv4Bytes
		if len(out) == net.IPv6len && out.To4() == nil {
			n = 10
		}
		for i := len(out) - n; i < len(out); i++ {
			out[i] = 0
		}
		return out
	}
}
