package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/qcom/queryportal/internal/models"
)

// TrustedProxies is the set of peers allowed to report the client address
// through forwarding headers.
type TrustedProxies struct {
	nets []*net.IPNet
}

// ParseTrustedProxies accepts single IPs and CIDR ranges.
func ParseTrustedProxies(entries []string) (*TrustedProxies, error) {
	proxies := &TrustedProxies{}
	for _, entry := range entries {
		if ip := net.ParseIP(entry); ip != nil {
			bits := 8 * net.IPv4len
			if ip.To4() == nil {
				bits = 8 * net.IPv6len
			}
			proxies.nets = append(proxies.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}

		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		proxies.nets = append(proxies.nets, ipNet)
	}
	return proxies, nil
}

func (p *TrustedProxies) Contains(ip net.IP) bool {
	if p == nil || ip == nil {
		return false
	}
	for _, ipNet := range p.nets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// RealIPMiddleware resolves the client address once per request. Forwarding
// headers are read only when the socket peer is a trusted proxy; in
// X-Forwarded-For the rightmost hop that is not itself a trusted proxy wins.
func RealIPMiddleware(proxies *TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), clientIPKey, resolveClientIP(r, proxies))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func resolveClientIP(r *http.Request, proxies *TrustedProxies) string {
	peer := remoteHost(r)
	if !proxies.Contains(net.ParseIP(peer)) {
		return peer
	}

	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		hops := strings.Split(forwarded, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			ip := net.ParseIP(strings.TrimSpace(hops[i]))
			if ip == nil {
				break
			}
			if !proxies.Contains(ip) {
				return ip.String()
			}
		}
	}

	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
		return ip.String()
	}
	return peer
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ClientIP returns the address resolved by RealIPMiddleware, or the socket
// peer when the middleware did not run. Headers are never read here.
func ClientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey).(string); ok && ip != "" {
		return ip
	}
	return remoteHost(r)
}

func Fingerprint(r *http.Request) models.ClientFingerprint {
	return models.ClientFingerprint{
		IP:        ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}
