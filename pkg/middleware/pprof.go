package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"net/netip"

	"github.com/go-chi/chi/v5"

	"github.com/utafrali/promotion-engine/pkg/httputil"
)

// RegisterPprof mounts the profiling endpoints for operators inside
// allowedCIDRs. Everyone else gets a 403 from IPAllowlist.
func RegisterPprof(r chi.Router, allowedCIDRs []string, logger *slog.Logger) {
	r.Route("/debug/pprof", func(r chi.Router) {
		r.Use(IPAllowlist(allowedCIDRs, logger))
		r.HandleFunc("/cmdline", pprof.Cmdline)
		r.HandleFunc("/profile", pprof.Profile)
		r.HandleFunc("/symbol", pprof.Symbol)
		r.HandleFunc("/trace", pprof.Trace)
		r.HandleFunc("/*", pprof.Index)
	})
}

// allowlist is a parsed set of prefixes. A bare address is a single host.
type allowlist []netip.Prefix

func parseAllowlist(entries []string, logger *slog.Logger) allowlist {
	list := make(allowlist, 0, len(entries))
	for _, entry := range entries {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			addr, addrErr := netip.ParseAddr(entry)
			if addrErr != nil {
				logger.Warn("ignoring invalid pprof allowlist entry",
					slog.String("entry", entry),
					slog.String("error", err.Error()),
				)
				continue
			}
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
		list = append(list, prefix.Masked())
	}
	return list
}

func (l allowlist) allows(host string) bool {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	// IPv4 clients on a dual-stack listener arrive as ::ffff:a.b.c.d.
	addr = addr.Unmap()
	for _, prefix := range l {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// IPAllowlist answers 403 FORBIDDEN unless the caller's address falls inside
// one of entries. Entries may be CIDRs or bare addresses; invalid ones are
// logged once and dropped.
func IPAllowlist(entries []string, logger *slog.Logger) func(http.Handler) http.Handler {
	list := parseAllowlist(entries, logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host := remoteHost(r)
			if !list.allows(host) {
				logger.Warn("pprof access denied",
					slog.String("remote_ip", host),
					slog.String("path", r.URL.Path),
				)
				httputil.WriteJSON(w, http.StatusForbidden, httputil.Response{
					Error: &httputil.ErrorResponse{
						Code:    "FORBIDDEN",
						Message: "profiling endpoints are restricted to operator networks",
					},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// remoteHost strips the port from r.RemoteAddr when one is present.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
