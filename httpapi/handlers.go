package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"library-web/library"
	"library-web/session"
)

type signUpRequest struct {
	Username string `json:"username" validate:"required,alphanum,min=3,max=32"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type signInRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type resetPasswordRequest struct {
	Username    string `json:"username" validate:"required"`
	LibNum      string `json:"lib_num" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8"`
}

type borrowRequest struct {
	ISBN string `json:"isbn" validate:"required"`
}

type profileRequest struct {
	FavGenre string `json:"fav_genre" validate:"max=64"`
}

type bookRequest struct {
	ISBN   string `json:"isbn" validate:"required"`
	Title  string `json:"title" validate:"required"`
	Author string `json:"author" validate:"required"`
}

type ratingRequest struct {
	Rating *int   `json:"rating" validate:"required,min=0,max=5"`
	Review string `json:"review" validate:"max=2000"`
}

// bind decodes and validates a JSON body, writing the error response itself.
func (s *Server) bind(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := decodeJSON(r.Body, dst); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeValidation(w, err)
		return false
	}
	return true
}

func (s *Server) signUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if !s.bind(w, r, &req) {
		return
	}
	m, err := s.lib.SignUp(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) signInRequired(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusUnauthorized, errors.New("sign in required"))
}

func (s *Server) signIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !s.bind(w, r, &req) {
		return
	}
	m, err := s.lib.SignIn(r.Context(), req.Username, req.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := s.guard.Start(r.Context(), m)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.setCookie(w, st.Token)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"member": m,
		"home":   "/" + m.LibNum + "/home",
	})
}

// signOut ends the caller's session, if any, and deactivates the member.
// It always succeeds so that revoked sessions land somewhere sensible.
func (s *Server) signOut(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(s.opts.CookieName)
	if err == nil && c.Value != "" {
		st, err := s.guard.Session(r.Context(), c.Value)
		switch {
		case err == nil:
			if err := s.lib.SignOut(r.Context(), st.MemberID); err != nil && !errors.Is(err, library.ErrNotFound) {
				s.log.WithError(err).Warn("sign out member")
			}
		case !errors.Is(err, session.ErrNotFound):
			s.log.WithError(err).Warn("load session for sign out")
		}
		if err := s.guard.End(r.Context(), c.Value); err != nil {
			s.log.WithError(err).Warn("end session")
		}
	}
	s.clearCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "signed out"})
}

func (s *Server) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !s.bind(w, r, &req) {
		return
	}
	if err := s.lib.ResetPassword(r.Context(), req.Username, req.LibNum, req.NewPassword); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "password updated"})
}

func (s *Server) home(w http.ResponseWriter, r *http.Request) {
	m := memberFrom(r.Context())
	home, err := s.lib.Home(r.Context(), m.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, home)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	// An empty query lists the whole catalog.
	titles, err := s.lib.SearchTitles(r.Context(), strings.TrimSpace(r.URL.Query().Get("query")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, titles)
}

func (s *Server) loans(w http.ResponseWriter, r *http.Request) {
	loans, err := s.lib.Loans(r.Context(), memberFrom(r.Context()).ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) borrow(w http.ResponseWriter, r *http.Request) {
	var req borrowRequest
	if !s.bind(w, r, &req) {
		return
	}
	loan, err := s.lib.Borrow(r.Context(), memberFrom(r.Context()).ID, req.ISBN)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"loan":   loan,
		"due_at": loan.DueAt(),
	})
}

func (s *Server) returnLoan(w http.ResponseWriter, r *http.Request) {
	loanID, err := strconv.ParseInt(chi.URLParam(r, "loanID"), 10, 64)
	if err != nil || loanID <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid loan id"))
		return
	}
	rec, err := s.lib.Return(r.Context(), memberFrom(r.Context()).ID, loanID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	hist, err := s.lib.History(r.Context(), memberFrom(r.Context()).ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) lateFees(w http.ResponseWriter, r *http.Request) {
	fees, err := s.lib.LateFees(r.Context(), memberFrom(r.Context()).ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	total := 0
	for _, f := range fees {
		total += f.Fee
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"loans": fees,
		"total": total,
	})
}

func (s *Server) profile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, memberFrom(r.Context()))
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !s.bind(w, r, &req) {
		return
	}
	m, err := s.lib.UpdateProfile(r.Context(), memberFrom(r.Context()).ID, strings.TrimSpace(req.FavGenre))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) requestBook(w http.ResponseWriter, r *http.Request) {
	var req bookRequest
	if !s.bind(w, r, &req) {
		return
	}
	created, existing, err := s.lib.RequestBook(r.Context(), memberFrom(r.Context()).ID, req.ISBN, req.Title, req.Author)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if existing != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message": "already in the catalog",
			"title":   existing,
		})
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) titleDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := s.lib.TitleDetail(r.Context(), chi.URLParam(r, "isbn"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) rate(w http.ResponseWriter, r *http.Request) {
	var req ratingRequest
	if !s.bind(w, r, &req) {
		return
	}
	rating, err := s.lib.Rate(r.Context(), memberFrom(r.Context()).ID, chi.URLParam(r, "isbn"), *req.Rating, req.Review)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rating)
}
