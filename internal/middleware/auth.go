package middleware

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-telemetry/internal/auth"
	"github.com/ukydev/fleet-telemetry/internal/models"
)

type contextKey string

// ClaimsContextKey holds the *models.Claims of an authenticated request.
const ClaimsContextKey contextKey = "claims"

// publicPaths are served without a token.
var publicPaths = map[string]struct{}{
	"/api/auth/token": {},
	"/health":         {},
	"/metrics":        {},
}

// AuthMiddleware checks bearer tokens issued by auth.Service.
type AuthMiddleware struct {
	authService *auth.Service
}

func NewAuthMiddleware(authService *auth.Service) *AuthMiddleware {
	return &AuthMiddleware{
		authService: authService,
	}
}

// Authenticate validates JWT tokens and adds the claims to the request context.
// WebSocket upgrades may pass the token as a query parameter since browsers
// cannot set headers on them.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, public := publicPaths[r.URL.Path]; public {
			next.ServeHTTP(w, r)
			return
		}

		var token string
		if header := r.Header.Get("Authorization"); header != "" {
			parsed, err := auth.ExtractTokenFromHeader(header)
			if err != nil {
				http.Error(w, "Malformed Authorization header", http.StatusUnauthorized)
				return
			}
			token = parsed
		} else if strings.HasPrefix(r.URL.Path, "/ws/") {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		claims, err := m.authService.ValidateToken(token)
		if err != nil {
			log.WithError(err).WithField("path", r.URL.Path).Debug("Rejected token")
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects requests whose role ranks below minRole.
func (m *AuthMiddleware) RequireRole(minRole models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetClaimsFromContext(r.Context())
			if !ok {
				http.Error(w, "Missing token claims", http.StatusUnauthorized)
				return
			}

			if !claims.Role.AtLeast(minRole) {
				http.Error(w, "Insufficient permissions", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetClaimsFromContext returns the claims Authenticate stored on the request.
func GetClaimsFromContext(ctx context.Context) (*models.Claims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey).(*models.Claims)
	return claims, ok
}

// RateLimitMiddleware provides basic per-client rate limiting over a sliding window
type RateLimitMiddleware struct {
	requests  map[string][]time.Time
	mu        sync.Mutex
	now       func() time.Time
	lastSweep time.Time
	// trusted lists the proxies whose forwarding headers are believed.
	trusted []*net.IPNet
}

func NewRateLimitMiddleware() *RateLimitMiddleware {
	return &RateLimitMiddleware{
		requests: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// TrustProxies accepts IPs or CIDRs of reverse proxies. Requests arriving
// from them are attributed to the client named in X-Forwarded-For or
// X-Real-IP; from anyone else those headers are ignored.
func (m *RateLimitMiddleware) TrustProxies(proxies ...string) error {
	for _, p := range proxies {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.Contains(p, "/") {
			ip := net.ParseIP(p)
			if ip == nil {
				return fmt.Errorf("invalid trusted proxy %q", p)
			}
			bits := 8 * net.IPv6len
			if ip.To4() != nil {
				ip, bits = ip.To4(), 8*net.IPv4len
			}
			m.trusted = append(m.trusted, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, network, err := net.ParseCIDR(p)
		if err != nil {
			return fmt.Errorf("invalid trusted proxy %q: %w", p, err)
		}
		m.trusted = append(m.trusted, network)
	}
	return nil
}

// RateLimit allows at most maxRequests per client IP within any window.
func (m *RateLimitMiddleware) RateLimit(maxRequests int, window time.Duration) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(math.Ceil(window.Seconds())))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !m.allow(m.clientIP(r), maxRequests, window) {
				w.Header().Set("Retry-After", retryAfter)
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m *RateLimitMiddleware) allow(clientIP string, maxRequests int, window time.Duration) bool {
	now := m.now()
	windowStart := now.Add(-window)

	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastSweep) >= window {
		m.sweep(windowStart)
		m.lastSweep = now
	}

	recent := m.requests[clientIP][:0]
	for _, ts := range m.requests[clientIP] {
		if ts.After(windowStart) {
			recent = append(recent, ts)
		}
	}
	if len(recent) >= maxRequests {
		m.requests[clientIP] = recent
		return false
	}
	m.requests[clientIP] = append(recent, now)
	return true
}

// sweep forgets clients with no request after windowStart. Timestamps are
// appended in order, so the last one decides.
func (m *RateLimitMiddleware) sweep(windowStart time.Time) {
	for ip, ts := range m.requests {
		if len(ts) == 0 || !ts[len(ts)-1].After(windowStart) {
			delete(m.requests, ip)
		}
	}
}

func (m *RateLimitMiddleware) isTrusted(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, network := range m.trusted {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// clientIP returns the socket peer unless it is a trusted proxy. Behind
// trusted proxies X-Forwarded-For is read right to left and the first hop
// that is not itself trusted wins.
func (m *RateLimitMiddleware) clientIP(r *http.Request) string {
	peer := remoteHost(r)
	if !m.isTrusted(net.ParseIP(peer)) {
		return peer
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		hops := strings.Split(fwd, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop != "" && !m.isTrusted(net.ParseIP(hop)) {
				return hop
			}
		}
		return strings.TrimSpace(hops[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
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
