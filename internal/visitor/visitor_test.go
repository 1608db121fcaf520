package visitor

import (
	"context"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developingchet/visitor-counter/internal/claim"
	"github.com/developingchet/visitor-counter/internal/counter"
	"github.com/developingchet/visitor-counter/internal/ledger"
	"github.com/developingchet/visitor-counter/internal/session"
	"github.com/developingchet/visitor-counter/internal/store"
)

const (
	mobileUA  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 Mobile/15E148 Safari/604.1"
	desktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/120.0.0.0 Safari/537.36"
)

// hookCounts tallies emitted counter ids by kind, the way the original
// callback-based deployments do.
type hookCounts struct {
	mu     sync.Mutex
	byKind map[string]int
}

func newHookCounts() *hookCounts {
	return &hookCounts{byKind: make(map[string]int)}
}

func (h *hookCounts) fn(counterID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case strings.Contains(counterID, counter.KindNewVisitorsFromMobile):
		h.byKind[counter.KindNewVisitorsFromMobile]++
	case strings.Contains(counterID, counter.KindVisitorsFromMobile):
		h.byKind[counter.KindVisitorsFromMobile]++
	case strings.Contains(counterID, counter.KindNewVisitors):
		h.byKind[counter.KindNewVisitors]++
	case strings.Contains(counterID, counter.KindVisitors):
		h.byKind[counter.KindVisitors]++
	case strings.Contains(counterID, counter.KindIPAddresses):
		h.byKind[counter.KindIPAddresses]++
	case strings.Contains(counterID, counter.KindSessions):
		h.byKind[counter.KindSessions]++
	case strings.Contains(counterID, counter.KindRequests):
		h.byKind[counter.KindRequests]++
	}
}

func (h *hookCounts) get(kind string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.byKind[kind]
}

// fakeClock is a settable clock shared by a test and its middleware.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// newTestServer builds a session-managed server around a fresh Counter.
func newTestServer(t *testing.T, mutate func(*Config)) (*httptest.Server, *hookCounts, *fakeClock) {
	t.Helper()
	hook := newHookCounts()
	clock := newFakeClock()
	cfg := Config{
		Hook:       hook.fn,
		Prefix:     "test",
		TrustProxy: true,
		Location:   time.UTC,
		Now:        clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)

	m := session.NewManager([]byte("secret"), "")
	h := m.Middleware(c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, hook, clock
}

// newAgent returns an http.Client with a cookie jar, one logical browser.
func newAgent(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func sendRequest(t *testing.T, agent *http.Client, url, ip, ua string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-For", ip)
	if ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	resp, err := agent.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNew_SinkRequired(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoSink)

	_, err = New(Config{Store: store.NewMemStore(), Hook: func(string) {}})
	assert.ErrorIs(t, err, ErrAmbiguousSink)

	_, err = New(Config{Store: store.NewMemStore()})
	assert.NoError(t, err)
}

// Without the session capability only the requests counter is touched.
func TestMiddleware_NoSessionCapability(t *testing.T) {
	hook := newHookCounts()
	c, err := New(Config{Hook: hook.fn, Prefix: "test"})
	require.NoError(t, err)

	srv := httptest.NewServer(c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))
	defer srv.Close()

	for i := 0; i < 3; i++ {
		resp, err := http.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}

	assert.Equal(t, 3, hook.get(counter.KindRequests))
	assert.Equal(t, 0, hook.get(counter.KindIPAddresses))
	assert.Equal(t, 0, hook.get(counter.KindSessions))
	assert.Equal(t, 0, hook.get(counter.KindVisitors))
}

// The reference wave scenario: three clients with distinct IPs and fresh
// sessions, then the same three coming back.
func TestMiddleware_WaveScenario(t *testing.T) {
	srv, hook, _ := newTestServer(t, nil)

	agents := []*http.Client{newAgent(t), newAgent(t), newAgent(t)}
	ips := []string{"50.50.50.0", "50.50.50.1", "50.50.50.2"}

	// First wave: fresh sessions, nothing can confirm yet.
	for i, a := range agents {
		sendRequest(t, a, srv.URL, ips[i], desktopUA)
	}
	assert.Equal(t, 3, hook.get(counter.KindRequests))
	assert.Equal(t, 3, hook.get(counter.KindIPAddresses))
	assert.Equal(t, 3, hook.get(counter.KindSessions))
	assert.Equal(t, 0, hook.get(counter.KindVisitors))
	assert.Equal(t, 0, hook.get(counter.KindNewVisitors))

	// Second wave: the session cookies have round-tripped, each client
	// confirms exactly one visit, all of them lifetime-first.
	for i, a := range agents {
		sendRequest(t, a, srv.URL, ips[i], desktopUA)
	}
	assert.Equal(t, 6, hook.get(counter.KindRequests))
	assert.Equal(t, 3, hook.get(counter.KindIPAddresses))
	assert.Equal(t, 3, hook.get(counter.KindSessions))
	assert.Equal(t, 3, hook.get(counter.KindVisitors))
	assert.Equal(t, 3, hook.get(counter.KindNewVisitors))

	// Third wave: same day, nothing new fires.
	for i, a := range agents {
		sendRequest(t, a, srv.URL, ips[i], desktopUA)
	}
	assert.Equal(t, 9, hook.get(counter.KindRequests))
	assert.Equal(t, 3, hook.get(counter.KindIPAddresses))
	assert.Equal(t, 3, hook.get(counter.KindSessions))
	assert.Equal(t, 3, hook.get(counter.KindVisitors))
	assert.Equal(t, 3, hook.get(counter.KindNewVisitors))
}

// A fresh cookie on an already-confirmed IP must not count another visitor.
func TestMiddleware_NewCookieSameIP(t *testing.T) {
	srv, hook, _ := newTestServer(t, nil)

	agent := newAgent(t)
	sendRequest(t, agent, srv.URL, "50.50.50.0", desktopUA)
	sendRequest(t, agent, srv.URL, "50.50.50.0", desktopUA)
	require.Equal(t, 1, hook.get(counter.KindVisitors))

	// New browser, same IP: second request would confirm, but the IP state
	// is already processed today.
	agent2 := newAgent(t)
	sendRequest(t, agent2, srv.URL, "50.50.50.0", desktopUA)
	sendRequest(t, agent2, srv.URL, "50.50.50.0", desktopUA)

	assert.Equal(t, 1, hook.get(counter.KindVisitors))
	assert.Equal(t, 1, hook.get(counter.KindNewVisitors))
	assert.Equal(t, 2, hook.get(counter.KindSessions))
	assert.Equal(t, 1, hook.get(counter.KindIPAddresses))
}

// Cookie-rejecting clients never carry NotFirstRequest, so they never confirm.
func TestMiddleware_CookieRejectingClient(t *testing.T) {
	srv, hook, _ := newTestServer(t, nil)

	for i := 0; i < 4; i++ {
		// No jar: every request is a fresh ephemeral session.
		resp, err := http.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}

	assert.Equal(t, 4, hook.get(counter.KindRequests))
	assert.Equal(t, 1, hook.get(counter.KindIPAddresses))
	assert.Equal(t, 4, hook.get(counter.KindSessions))
	assert.Equal(t, 0, hook.get(counter.KindVisitors))
}

func TestMiddleware_MobileGating(t *testing.T) {
	srv, hook, _ := newTestServer(t, nil)

	mobile := newAgent(t)
	sendRequest(t, mobile, srv.URL, "50.50.50.0", mobileUA)
	sendRequest(t, mobile, srv.URL, "50.50.50.0", mobileUA)

	desktop := newAgent(t)
	sendRequest(t, desktop, srv.URL, "50.50.50.1", desktopUA)
	sendRequest(t, desktop, srv.URL, "50.50.50.1", desktopUA)

	// Mobile counters are a strict subset of the plain ones.
	assert.Equal(t, 2, hook.get(counter.KindVisitors))
	assert.Equal(t, 2, hook.get(counter.KindNewVisitors))
	assert.Equal(t, 1, hook.get(counter.KindVisitorsFromMobile))
	assert.Equal(t, 1, hook.get(counter.KindNewVisitorsFromMobile))
}

func TestMiddleware_DateRollover(t *testing.T) {
	srv, hook, clock := newTestServer(t, nil)

	agent := newAgent(t)
	sendRequest(t, agent, srv.URL, "50.50.50.0", desktopUA)
	sendRequest(t, agent, srv.URL, "50.50.50.0", desktopUA)
	require.Equal(t, 1, hook.get(counter.KindVisitors))
	require.Equal(t, 1, hook.get(counter.KindNewVisitors))

	clock.Advance(24 * time.Hour)

	// Next day: the identity is unseen again and the visit re-confirms,
	// but the session is no longer a lifetime-first visitor.
	sendRequest(t, agent, srv.URL, "50.50.50.0", desktopUA)
	sendRequest(t, agent, srv.URL, "50.50.50.0", desktopUA)

	assert.Equal(t, 2, hook.get(counter.KindIPAddresses))
	assert.Equal(t, 2, hook.get(counter.KindSessions))
	assert.Equal(t, 2, hook.get(counter.KindVisitors))
	assert.Equal(t, 1, hook.get(counter.KindNewVisitors))
}

func TestMiddleware_WithoutDate(t *testing.T) {
	var ids []string
	var mu sync.Mutex
	hook := newHookCounts()
	srv, _, _ := newTestServer(t, func(cfg *Config) {
		cfg.WithoutDate = true
		cfg.Hook = func(id string) {
			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
			hook.fn(id)
		}
	})

	sendRequest(t, newAgent(t), srv.URL, "50.50.50.0", desktopUA)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, ids)
	for _, id := range ids {
		assert.Equal(t, "test-", id[:5])
		assert.NotRegexp(t, `\d{2}-\d{2}-\d{4}$`, id, "ids must carry no date suffix")
	}
}

func TestMiddleware_PrefixDefaultsToHost(t *testing.T) {
	var ids []string
	var mu sync.Mutex
	hook := store.HookFunc(func(id string) {
		mu.Lock()
		ids = append(ids, id)
		mu.Unlock()
	})
	c, err := New(Config{Hook: hook})
	require.NoError(t, err)

	srv := httptest.NewServer(c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ids, 1)
	assert.True(t, strings.HasPrefix(ids[0], "127.0.0.1-requests-"), "got %s", ids[0])
}

// A failing store must never fail the request; sibling increments still run.
func TestMiddleware_StoreErrorsAreNonFatal(t *testing.T) {
	srv, _, _ := newTestServer(t, func(cfg *Config) {
		cfg.Hook = nil
		cfg.Store = failingStore{}
	})

	agent := newAgent(t)
	sendRequest(t, agent, srv.URL, "50.50.50.0", desktopUA)
	sendRequest(t, agent, srv.URL, "50.50.50.0", desktopUA)
}

type failingStore struct{}

func (failingStore) Increment(_ context.Context, _ string) error {
	return errors.New("store down")
}

// fakeSession simulates one client's cookie as it would round-trip between
// two independent processes: both see the same id and sticky flags.
type fakeSession struct {
	mu    sync.Mutex
	id    string
	flags ledger.Flags
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Flags() ledger.Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}

func (s *fakeSession) SetFlags(f ledger.Flags) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags = f
}

// drive sends one observed request through c for the given client.
func drive(t *testing.T, c *Counter, ip string, sess *fakeSession) {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "http://test/", nil)
	r.Header.Set("X-Forwarded-For", ip)
	r.Header.Set("User-Agent", desktopUA)
	r = r.WithContext(session.NewContext(r.Context(), sess))
	c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
		ServeHTTP(httptest.NewRecorder(), r)
}

// Two ledger instances sharing one claim store must produce exactly the
// totals a single instance produces for the same interleaved stream.
func TestMiddleware_DistributedEqualsSingleInstance(t *testing.T) {
	type client struct {
		ip   string
		sess *fakeSession
	}
	newClients := func(suffix string) []client {
		return []client{
			{"50.50.50.0", &fakeSession{id: "sess-a-" + suffix}},
			{"50.50.50.1", &fakeSession{id: "sess-b-" + suffix}},
			{"50.50.50.2", &fakeSession{id: "sess-c-" + suffix}},
		}
	}

	newCounter := func(t *testing.T, hook *hookCounts, cl claim.Claimer) *Counter {
		c, err := New(Config{
			Hook:       hook.fn,
			Prefix:     "test",
			TrustProxy: true,
			Claimer:    cl,
			Now:        newFakeClock().Now,
		})
		require.NoError(t, err)
		return c
	}

	// Single instance baseline.
	singleHook := newHookCounts()
	single := newCounter(t, singleHook, claim.NewMemClaimer(0))
	singleClients := newClients("single")
	for wave := 0; wave < 3; wave++ {
		for _, cl := range singleClients {
			drive(t, single, cl.ip, cl.sess)
		}
	}

	// Two instances, shared claimer and sink, identical interleaved stream:
	// each request of each client alternates between the instances.
	distHook := newHookCounts()
	shared := claim.NewMemClaimer(0)
	a := newCounter(t, distHook, shared)
	b := newCounter(t, distHook, shared)
	instances := []*Counter{a, b}
	distClients := newClients("dist")
	for wave := 0; wave < 3; wave++ {
		for i, cl := range distClients {
			drive(t, instances[(wave+i)%2], cl.ip, cl.sess)
		}
	}

	for _, kind := range []string{
		counter.KindRequests,
		counter.KindIPAddresses,
		counter.KindSessions,
		counter.KindVisitors,
		counter.KindNewVisitors,
	} {
		assert.Equal(t, singleHook.get(kind), distHook.get(kind), "kind %s", kind)
	}
	assert.Equal(t, 9, distHook.get(counter.KindRequests))
	assert.Equal(t, 3, distHook.get(counter.KindIPAddresses))
	assert.Equal(t, 3, distHook.get(counter.KindSessions))
	assert.Equal(t, 3, distHook.get(counter.KindVisitors))
	assert.Equal(t, 3, distHook.get(counter.KindNewVisitors))
}
