// Package httpapi exposes the library service as JSON over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"library-web/library"
	"library-web/metrics"
	"library-web/session"
)

// Options tune the HTTP surface.
type Options struct {
	CookieName   string
	CookieSecure bool
	// SignInRate and SignInBurst bound sign-in attempts per client IP.
	SignInRate  float64
	SignInBurst int
}

func (o *Options) setDefaults() {
	if o.CookieName == "" {
		o.CookieName = "library_session"
	}
	if o.SignInRate <= 0 {
		o.SignInRate = 1
	}
	if o.SignInBurst <= 0 {
		o.SignInBurst = 5
	}
}

// Server wires the library service and the session guard into a chi router.
type Server struct {
	lib      *library.LibraryManager
	guard    *session.Guard
	log      logrus.FieldLogger
	metrics  *metrics.Collector
	opts     Options
	validate *validator.Validate
	limiter  *ipLimiter
}

func NewServer(lib *library.LibraryManager, guard *session.Guard, log logrus.FieldLogger, m *metrics.Collector, opts Options) *Server {
	opts.setDefaults()
	return &Server{
		lib:      lib,
		guard:    guard,
		log:      log,
		metrics:  m,
		opts:     opts,
		validate: newValidator(),
		limiter:  newIPLimiter(opts.SignInRate, opts.SignInBurst, log),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(s.metrics.InstrumentHandler)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", s.metrics.Handler())

	r.Post("/signup", s.signUp)
	r.Get("/signin", s.signInRequired)
	r.With(s.limiter.Handler).Post("/signin", s.signIn)
	// The guard redirects revoked sessions here with 303, which browsers follow with GET.
	r.Get("/signout", s.signOut)
	r.Post("/signout", s.signOut)
	r.Post("/reset-password", s.resetPassword)

	r.Route("/{libNum}", func(r chi.Router) {
		r.Use(s.requireMember)

		r.Get("/home", s.home)
		r.Get("/search", s.search)
		r.Get("/borrowed", s.loans)
		r.Post("/borrowed", s.borrow)
		r.Delete("/borrowed/{loanID}", s.returnLoan)
		r.Get("/history", s.history)
		r.Get("/latefees", s.lateFees)
		r.Get("/profile", s.profile)
		r.Post("/profile", s.updateProfile)
		r.Post("/requests", s.requestBook)
		r.Get("/titles/{isbn}", s.titleDetail)
		r.Post("/titles/{isbn}/ratings", s.rate)
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.WithField("addr", addr).Info("http server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.log.Info("http server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

// fail writes err with the status its class maps to. Inactive members are
// sent to /signout; unexpected errors are logged and hidden.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, library.ErrInactive) {
		http.Redirect(w, r, "/signout", http.StatusSeeOther)
		return
	}
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.WithField("request_id", middleware.GetReqID(r.Context())).WithError(err).Error("request failed")
		writeError(w, status, errors.New("internal error"))
		return
	}
	writeError(w, status, err)
}

func (s *Server) setCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.opts.CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.opts.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.lib.DB().Ping(ctx); err != nil {
		s.log.WithError(err).Warn("health check failed")
		writeError(w, http.StatusServiceUnavailable, errors.New("database unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
