package ingress

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/clawfleet/fleetd/internal/apierrors"
	"github.com/clawfleet/fleetd/internal/audit"
)

// BearerAuth validates the admin bearer token (constant-time, §6) and also
// implements session.Authenticator so the same token gates the worker
// handshake. An empty Token means authentication is disabled.
type BearerAuth struct {
	Token string
}

// Authenticate implements session.Authenticator for the worker handshake.
func (a BearerAuth) Authenticate(token string) bool {
	if a.Token == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.Token)) == 1
}

// requireBearer is the HTTP middleware gating the admin RPC surface.
func (a BearerAuth) requireBearer(auditSink audit.Sink) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.Token == "" {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || !a.Authenticate(parts[1]) {
				if auditSink != nil {
					auditSink.Record(audit.Entry{Action: "admin.denied", Resource: r.RemoteAddr, Outcome: audit.OutcomeError, Reason: "auth-failed"})
				}
				writeError(w, apierrors.New(apierrors.KindAuthFailed, "missing or invalid bearer token"))
				return
			}
			if auditSink != nil {
				auditSink.Record(audit.Entry{Action: "admin.authenticated", Resource: r.RemoteAddr, Outcome: audit.OutcomeSuccess})
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimiter is a per-client-IP token bucket, grounded on the teacher
// pack's Middleware.CheckRateLimit (cuemby-warren pkg/ingress/middleware.go):
// one golang.org/x/time/rate.Limiter per remote IP, created lazily.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
	log      *zap.Logger
}

func newRateLimiter(rps float64, burst int, log *zap.Logger) *rateLimiter {
	return &rateLimiter{limiters: make(map[string]*rate.Limiter), rps: rps, burst: burst, log: log}
}

func (rl *rateLimiter) allow(remoteAddr string) bool {
	if rl.rps <= 0 {
		return true
	}
	ip := clientIP(remoteAddr)

	rl.mu.Lock()
	limiter, ok := rl.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(rl.rps), rl.burst)
		rl.limiters[ip] = limiter
	}
	rl.mu.Unlock()

	return limiter.Allow()
}

func (rl *rateLimiter) middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.allow(r.RemoteAddr) {
				writeJSON(w, http.StatusTooManyRequests, envelope{Error: &apierrors.Response{
					Code:    apierrors.KindInvalidRequest,
					Message: "rate limit exceeded",
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// requestLogger mirrors the teacher's RequestLogger: wraps the response
// writer to capture status/bytes, logs one structured line per request.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
