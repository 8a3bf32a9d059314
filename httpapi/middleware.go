package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"library-web/library"
	"library-web/session"
)

type ctxKey int

const memberKey ctxKey = 0

func withMember(ctx context.Context, m *library.Member) context.Context {
	return context.WithValue(ctx, memberKey, m)
}

// memberFrom returns the member the session guard admitted.
func memberFrom(ctx context.Context) *library.Member {
	m, _ := ctx.Value(memberKey).(*library.Member)
	return m
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.log.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"remote":     r.RemoteAddr,
		}).Info("http request")
	})
}

// requireMember is the session guard for member-scoped routes. Idle or
// missing sessions go to /signin, revoked ones to /signout, and a session may
// only act on its own membership number.
func (s *Server) requireMember(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var token string
		if c, err := r.Cookie(s.opts.CookieName); err == nil {
			token = c.Value
		}

		res := s.guard.Check(r.Context(), token)
		switch res.Outcome {
		case session.Active:
		case session.Revoked:
			s.clearCookie(w)
			http.Redirect(w, r, "/signout", http.StatusSeeOther)
			return
		default:
			if res.Outcome == session.Expired {
				s.clearCookie(w)
			}
			http.Redirect(w, r, "/signin", http.StatusSeeOther)
			return
		}

		if libNum := chi.URLParam(r, "libNum"); libNum != res.State.LibNum {
			s.log.WithFields(logrus.Fields{
				"session_lib_num": res.State.LibNum,
				"route_lib_num":   libNum,
			}).Warn("membership number mismatch")
			writeError(w, http.StatusForbidden, errors.New("forbidden"))
			return
		}

		next.ServeHTTP(w, r.WithContext(withMember(r.Context(), res.Member)))
	})
}

// ipLimiter keeps one token bucket per client IP.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	log      logrus.FieldLogger
}

func newIPLimiter(perSecond float64, burst int, log logrus.FieldLogger) *ipLimiter {
	return &ipLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		log:      log,
	}
}

func (l *ipLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[key] = limiter
	}
	return limiter
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (l *ipLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !l.get(ip).Allow() {
			l.log.WithFields(logrus.Fields{"ip": ip, "path": r.URL.Path}).Warn("rate limit exceeded")
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, errors.New("too many attempts, slow down"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
