package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"library-web/library"
	"library-web/metrics"
	"library-web/session"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t       *testing.T
	lib     *library.LibraryManager
	store   *session.MemoryStore
	clock   *fakeClock
	handler http.Handler
	cookie  string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	log, _ := test.NewNullLogger()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	m := metrics.NewCollector("test")

	lib, err := library.OpenLibraryManager(library.DriverSQLite, filepath.Join(t.TempDir(), "lib.db"),
		library.WithLogger(log),
		library.WithClock(clock.Now),
		library.WithMetrics(m),
		library.WithBcryptCost(bcrypt.MinCost),
	)
	require.NoError(t, err)
	t.Cleanup(func() { lib.Close() })

	store := session.NewMemoryStore()
	guard := session.NewGuard(store, lib,
		session.WithClock(clock.Now),
		session.WithLogger(log),
		session.WithMetrics(m),
	)
	srv := NewServer(lib, guard, log, m, opts)
	return &harness{t: t, lib: lib, store: store, clock: clock, handler: srv.Handler()}
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	h.t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if h.cookie != "" {
		req.AddCookie(&http.Cookie{Name: "library_session", Value: h.cookie})
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == "library_session" {
			return c
		}
	}
	return nil
}

// signIn registers username and signs in, keeping the session cookie.
func (h *harness) signIn(username string) *library.Member {
	h.t.Helper()
	rec := h.do(http.MethodPost, "/signup",
		fmt.Sprintf(`{"username":%q,"email":"%s@example.com","password":"correct horse"}`, username, username))
	require.Equal(h.t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, "/signin", fmt.Sprintf(`{"username":%q,"password":"correct horse"}`, username))
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())
	c := sessionCookie(rec)
	require.NotNil(h.t, c)
	h.cookie = c.Value

	var out struct {
		Member library.Member `json:"member"`
	}
	decode(h.t, rec, &out)
	return &out.Member
}

func TestHealthzAndMetrics(t *testing.T) {
	h := newHarness(t, Options{})
	rec := h.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_http_requests_total")
}

func TestMemberRoutes_RequireSession(t *testing.T) {
	h := newHarness(t, Options{})
	rec := h.do(http.MethodGet, "/2024LIB0001/home", "")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/signin", rec.Header().Get("Location"))

	rec = h.do(http.MethodGet, "/signin", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSignIn_WrongPassword(t *testing.T) {
	h := newHarness(t, Options{})
	h.signIn("alice")
	h.cookie = ""

	rec := h.do(http.MethodPost, "/signin", `{"username":"alice","password":"wrong horse"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, sessionCookie(rec))
}

func TestSignUp_ValidationReportsFields(t *testing.T) {
	h := newHarness(t, Options{})
	rec := h.do(http.MethodPost, "/signup", `{"username":"al","email":"nope","password":"short"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var out struct {
		Fields map[string]string `json:"fields"`
	}
	decode(t, rec, &out)
	assert.Equal(t, "min", out.Fields["username"])
	assert.Equal(t, "email", out.Fields["email"])
	assert.Equal(t, "min", out.Fields["password"])

	rec = h.do(http.MethodPost, "/signup", `{"username":"alice","unexpected":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBorrowReturnFlow(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		_, err := h.lib.AddTitle(ctx, fmt.Sprintf("isbn-%d", i), fmt.Sprintf("Book %d", i), "Author", "fiction", 1)
		require.NoError(t, err)
	}
	m := h.signIn("alice")
	base := "/" + m.LibNum

	rec := h.do(http.MethodGet, base+"/home", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var firstLoan int64
	for i := 1; i <= 3; i++ {
		rec = h.do(http.MethodPost, base+"/borrowed", fmt.Sprintf(`{"isbn":"isbn-%d"}`, i))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		if i == 1 {
			var out struct {
				Loan  library.Loan `json:"loan"`
				DueAt time.Time    `json:"due_at"`
			}
			decode(t, rec, &out)
			firstLoan = out.Loan.ID
			assert.True(t, out.DueAt.Equal(h.clock.Now().Add(library.LoanPeriod)))
		}
	}

	rec = h.do(http.MethodPost, base+"/borrowed", `{"isbn":"isbn-4"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(http.MethodPost, base+"/borrowed", `{"isbn":"missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodGet, base+"/borrowed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var loans []library.LoanView
	decode(t, rec, &loans)
	assert.Len(t, loans, 3)

	h.clock.Advance(2 * time.Minute)
	rec = h.do(http.MethodDelete, fmt.Sprintf("%s/borrowed/%d", base, firstLoan), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var hist library.HistoryRecord
	decode(t, rec, &hist)
	assert.True(t, hist.OnTime)
	assert.Zero(t, hist.Fee)

	rec = h.do(http.MethodDelete, fmt.Sprintf("%s/borrowed/%d", base, firstLoan), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodPost, base+"/borrowed", `{"isbn":"isbn-4"}`)
	assert.Equal(t, http.StatusCreated, rec.Code, "a return frees a loan slot")

	rec = h.do(http.MethodDelete, base+"/borrowed/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, base+"/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var history []library.HistoryView
	decode(t, rec, &history)
	require.Len(t, history, 1)
	assert.Equal(t, "isbn-1", history[0].ISBN)

	rec = h.do(http.MethodGet, base+"/latefees", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var fees struct {
		Loans []library.LoanView `json:"loans"`
		Total int                `json:"total"`
	}
	decode(t, rec, &fees)
	assert.Len(t, fees.Loans, 3)
	assert.Zero(t, fees.Total)
}

func TestSearchRateAndRequest(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	_, err := h.lib.AddTitle(ctx, "978-1", "The Go Programming Language", "Donovan", "programming", 2)
	require.NoError(t, err)
	m := h.signIn("alice")
	base := "/" + m.LibNum

	_, err = h.lib.AddTitle(ctx, "978-3", "Dune", "Herbert", "fiction", 1)
	require.NoError(t, err)

	rec := h.do(http.MethodGet, base+"/search?query=", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var everything []library.TitleSummary
	decode(t, rec, &everything)
	assert.Len(t, everything, 2)

	rec = h.do(http.MethodGet, base+"/search?query=go+programming", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var found []library.TitleSummary
	decode(t, rec, &found)
	require.Len(t, found, 1)
	assert.Equal(t, 2, found[0].Available)

	rec = h.do(http.MethodPost, base+"/titles/978-1/ratings", `{"rating":4,"review":"dense but good"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, base+"/titles/978-1/ratings", `{"rating":9}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = h.do(http.MethodPost, base+"/titles/978-1/ratings", `{"review":"no score"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = h.do(http.MethodGet, base+"/titles/978-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail library.TitleDetail
	decode(t, rec, &detail)
	assert.InDelta(t, 4.0, detail.AvgRating, 0.001)
	require.Len(t, detail.Ratings, 1)
	assert.Equal(t, m.LibNum, detail.Ratings[0].LibNum)

	rec = h.do(http.MethodPost, base+"/requests", `{"isbn":"978-1","title":"The Go Programming Language","author":"Donovan"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "already in the catalog")

	rec = h.do(http.MethodPost, base+"/requests", `{"isbn":"978-2","title":"Concurrency in Go","author":"Cox-Buday"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestProfileUpdate(t *testing.T) {
	h := newHarness(t, Options{})
	m := h.signIn("alice")

	rec := h.do(http.MethodPost, "/"+m.LibNum+"/profile", `{"fav_genre":"  poetry "}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(http.MethodGet, "/"+m.LibNum+"/profile", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got library.Member
	decode(t, rec, &got)
	assert.Equal(t, "poetry", got.FavGenre)
}

func TestLibNumMismatchIsForbidden(t *testing.T) {
	h := newHarness(t, Options{})
	h.signIn("alice")
	rec := h.do(http.MethodGet, "/1999LIB9999/home", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIdleSessionExpires(t *testing.T) {
	h := newHarness(t, Options{})
	m := h.signIn("alice")

	h.clock.Advance(4 * time.Minute)
	rec := h.do(http.MethodGet, "/"+m.LibNum+"/home", "")
	require.Equal(t, http.StatusOK, rec.Code)

	h.clock.Advance(session.DefaultTimeout + time.Second)
	rec = h.do(http.MethodGet, "/"+m.LibNum+"/home", "")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/signin", rec.Header().Get("Location"))
	c := sessionCookie(rec)
	require.NotNil(t, c)
	assert.Equal(t, -1, c.MaxAge)

	got, err := h.lib.GetMember(context.Background(), m.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive())
	assert.Zero(t, h.store.Len())
}

func TestInactiveMemberIsRevoked(t *testing.T) {
	h := newHarness(t, Options{})
	m := h.signIn("alice")
	require.NoError(t, h.lib.SignOut(context.Background(), m.ID))

	rec := h.do(http.MethodGet, "/"+m.LibNum+"/home", "")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/signout", rec.Header().Get("Location"))
}

func TestSecondSignInRevokesFirst(t *testing.T) {
	h := newHarness(t, Options{})
	m := h.signIn("alice")
	first := h.cookie

	rec := h.do(http.MethodPost, "/signin", `{"username":"alice","password":"correct horse"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	h.cookie = first
	rec = h.do(http.MethodGet, "/"+m.LibNum+"/home", "")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/signin", rec.Header().Get("Location"))
}

func TestSignOut(t *testing.T) {
	h := newHarness(t, Options{})
	m := h.signIn("alice")

	rec := h.do(http.MethodPost, "/signout", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, h.store.Len())

	got, err := h.lib.GetMember(context.Background(), m.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive())

	h.cookie = ""
	rec = h.do(http.MethodGet, "/signout", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestResetPassword(t *testing.T) {
	h := newHarness(t, Options{})
	m := h.signIn("alice")
	h.cookie = ""

	rec := h.do(http.MethodPost, "/reset-password",
		fmt.Sprintf(`{"username":"alice","lib_num":%q,"new_password":"battery staple"}`, m.LibNum))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, "/reset-password", `{"username":"alice","lib_num":"2000LIB0001","new_password":"battery staple"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodPost, "/signin", `{"username":"alice","password":"battery staple"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSignInIsRateLimited(t *testing.T) {
	h := newHarness(t, Options{SignInRate: 0.001, SignInBurst: 2})
	body := `{"username":"nobody","password":"whatever"}`

	for i := 0; i < 2; i++ {
		rec := h.do(http.MethodPost, "/signin", body)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := h.do(http.MethodPost, "/signin", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}
