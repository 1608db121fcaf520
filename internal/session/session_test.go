package session

import (
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developingchet/visitor-counter/internal/ledger"
)

// newAgent returns an http.Client with a cookie jar, mimicking a browser.
func newAgent(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func TestMiddleware_AttachesSession(t *testing.T) {
	m := NewManager([]byte("secret"), "")

	var got Session
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	}))

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	require.NotNil(t, got)
	assert.NotEmpty(t, got.ID())
	assert.False(t, got.Flags().NotFirstRequest)
	assert.Empty(t, got.Flags().LastVisitDate)
}

func TestMiddleware_FlagsRoundTrip(t *testing.T) {
	m := NewManager([]byte("secret"), "")

	var ids []string
	var flags []ledger.Flags
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := FromContext(r.Context())
		ids = append(ids, s.ID())
		flags = append(flags, s.Flags())
		s.SetFlags(ledger.Flags{NotFirstRequest: true, LastVisitDate: "01-06-2025"})
	}))

	srv := httptest.NewServer(h)
	defer srv.Close()

	agent := newAgent(t)
	for i := 0; i < 2; i++ {
		resp, err := agent.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}

	require.Len(t, ids, 2)
	assert.Equal(t, ids[0], ids[1], "session id must be stable once the cookie round-trips")
	assert.False(t, flags[0].NotFirstRequest)
	assert.True(t, flags[1].NotFirstRequest)
	assert.Equal(t, "01-06-2025", flags[1].LastVisitDate)
}

func TestMiddleware_SeparateAgentsGetSeparateSessions(t *testing.T) {
	m := NewManager([]byte("secret"), "")

	var ids []string
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := FromContext(r.Context())
		ids = append(ids, s.ID())
		s.SetFlags(ledger.Flags{NotFirstRequest: true})
	}))

	srv := httptest.NewServer(h)
	defer srv.Close()

	for i := 0; i < 2; i++ {
		resp, err := newAgent(t).Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}

	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])
}

func TestFromContext_Disabled(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, FromContext(r.Context()))
}

func TestMiddleware_GarbageCookieIssuesNewSession(t *testing.T) {
	m := NewManager([]byte("secret"), "")

	var got Session
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: "vcsid", Value: "not-a-valid-session"})
	h.ServeHTTP(httptest.NewRecorder(), r)

	require.NotNil(t, got)
	assert.NotEmpty(t, got.ID())
	assert.False(t, got.Flags().NotFirstRequest)
}
