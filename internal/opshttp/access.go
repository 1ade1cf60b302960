package opshttp

import (
	"net"
	"net/http"
	"net/netip"

	"github.com/keithlinneman/tenantgate/internal/log"
)

// requireNonPublicNetwork rejects peers outside loopback, private, and
// link-local ranges. The ops listener is never meant to face the internet,
// so this only checks the socket peer and ignores forwarding headers.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, ok := peerAddr(r.RemoteAddr)
		if !ok || !(addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()) {
			L.Warn(r.Context(), "ops request from public network rejected",
				"remote_addr", r.RemoteAddr,
				"url.path", r.URL.Path,
			)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func peerAddr(remote string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	// ::ffff:8.8.8.8 must be judged as 8.8.8.8
	return addr.Unmap(), true
}
