// Package session supplies the sticky per-session capability the counting
// middleware depends on: an opaque session id plus the NotFirstRequest and
// LastVisitDate flags, persisted in a signed cookie.
package session

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	gorilla "github.com/gorilla/sessions"
	"github.com/rs/zerolog/log"

	"github.com/developingchet/visitor-counter/internal/ledger"
)

// Session is the narrow view of one client's session the middleware needs.
// Nil means the session capability is disabled for the request; that is a
// recognized mode, not an error.
type Session interface {
	// ID returns the opaque, eventually-stable session identifier.
	ID() string

	// Flags returns the sticky dedup flags stored with the session.
	Flags() ledger.Flags

	// SetFlags persists the flags. Must be called before the response body
	// is written, since cookie-backed implementations emit a Set-Cookie
	// header.
	SetFlags(ledger.Flags)
}

type ctxKey struct{}

// FromContext returns the request's Session, or nil when the capability is
// not installed.
func FromContext(ctx context.Context) Session {
	s, _ := ctx.Value(ctxKey{}).(Session)
	return s
}

// NewContext returns ctx with s attached. Alternative session providers
// (server-side stores, tests) use it to install the capability without the
// cookie Manager.
func NewContext(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// Value keys inside the gorilla session.
const (
	keyID              = "sid"
	keyNotFirstRequest = "nfr"
	keyLastVisitDate   = "lvd"
)

// Manager issues cookie-backed sessions. The session id is generated on the
// first request and echoed back by the client from the second request on;
// simultaneous first-wave requests therefore get distinct ephemeral ids, and
// the flags only become sticky once the cookie has round-tripped.
type Manager struct {
	name  string
	store *gorilla.CookieStore
}

// NewManager creates a Manager signing cookies with secret. cookieName ""
// defaults to "vcsid".
func NewManager(secret []byte, cookieName string) *Manager {
	if cookieName == "" {
		cookieName = "vcsid"
	}
	store := gorilla.NewCookieStore(secret)
	store.Options = &gorilla.Options{
		Path:     "/",
		MaxAge:   86400 * 365,
		HttpOnly: true,
	}
	return &Manager{name: cookieName, store: store}
}

// Middleware attaches a Session to every request's context. Flags are only
// written back to the client when SetFlags is called.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Get returns a fresh session when the cookie is absent or fails
		// validation; a bad cookie is treated as a new client.
		gs, err := m.store.Get(r, m.name)
		if err != nil {
			log.Debug().Err(err).Msg("session: invalid cookie, issuing new session")
		}
		if _, ok := gs.Values[keyID].(string); !ok {
			gs.Values[keyID] = uuid.NewString()
		}
		s := &cookieSession{gs: gs, w: w, r: r}
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), s)))
	})
}

// cookieSession adapts a gorilla session to the Session interface.
type cookieSession struct {
	gs *gorilla.Session
	w  http.ResponseWriter
	r  *http.Request
}

func (s *cookieSession) ID() string {
	id, _ := s.gs.Values[keyID].(string)
	return id
}

func (s *cookieSession) Flags() ledger.Flags {
	var f ledger.Flags
	f.NotFirstRequest, _ = s.gs.Values[keyNotFirstRequest].(bool)
	f.LastVisitDate, _ = s.gs.Values[keyLastVisitDate].(string)
	return f
}

func (s *cookieSession) SetFlags(f ledger.Flags) {
	s.gs.Values[keyNotFirstRequest] = f.NotFirstRequest
	s.gs.Values[keyLastVisitDate] = f.LastVisitDate
	if err := s.gs.Save(s.r, s.w); err != nil {
		log.Warn().Err(err).Msg("session: save failed")
	}
}
