// Package visitor implements the request-time counting middleware that ties
// the dedup ledger, the device classifier, the claim adapter, and the
// counter store together.
package visitor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/developingchet/visitor-counter/internal/claim"
	"github.com/developingchet/visitor-counter/internal/counter"
	"github.com/developingchet/visitor-counter/internal/device"
	"github.com/developingchet/visitor-counter/internal/ledger"
	"github.com/developingchet/visitor-counter/internal/metrics"
	"github.com/developingchet/visitor-counter/internal/session"
	"github.com/developingchet/visitor-counter/internal/store"
)

var (
	// ErrNoSink is returned by New when neither a store nor a hook is
	// configured. Fatal at construction: the middleware must not be
	// installed without a sink.
	ErrNoSink = errors.New("visitor: a store or a hook is required")

	// ErrAmbiguousSink is returned when both a store and a hook are set.
	ErrAmbiguousSink = errors.New("visitor: store and hook are mutually exclusive")
)

// Config configures a Counter.
type Config struct {
	// Exactly one of Store or Hook must be set.
	Store store.Incrementer
	Hook  store.HookFunc

	// Prefix overrides the per-request hostname as the counter-id prefix.
	Prefix string

	// WithoutDate suppresses the date suffix on counter ids and claim keys.
	// Daily dedup still applies; only the id naming changes.
	WithoutDate bool

	// Claimer enables cross-process dedup. Nil disables it.
	Claimer claim.Claimer

	// TrustProxy honours X-Forwarded-For when resolving the client IP.
	TrustProxy bool

	// Location is the timezone policy for "today". Defaults to UTC.
	Location *time.Location

	// Now is the clock; defaults to time.Now. Tests pin it.
	Now func() time.Time
}

// Counter is the per-request orchestrator. One instance serves all requests
// concurrently; dedup state lives in its ledger.
type Counter struct {
	inc         store.Incrementer
	prefix      string
	withoutDate bool
	claimer     claim.Claimer
	trustProxy  bool
	loc         *time.Location
	now         func() time.Time
	ledger      *ledger.Ledger
}

// New validates cfg and creates a Counter.
func New(cfg Config) (*Counter, error) {
	if cfg.Store == nil && cfg.Hook == nil {
		return nil, ErrNoSink
	}
	if cfg.Store != nil && cfg.Hook != nil {
		return nil, ErrAmbiguousSink
	}
	inc := cfg.Store
	if inc == nil {
		inc = cfg.Hook
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Counter{
		inc:         inc,
		prefix:      cfg.Prefix,
		withoutDate: cfg.WithoutDate,
		claimer:     cfg.Claimer,
		trustProxy:  cfg.TrustProxy,
		loc:         loc,
		now:         now,
		ledger:      ledger.New(),
	}, nil
}

// Claim-key words per counter kind, matching the unprefixed id scheme.
// "requests" has no entry: it is unconditional and bypasses claims.
var claimWords = map[string]string{
	counter.KindVisitors:              "visitor",
	counter.KindNewVisitors:           "new-visitor",
	counter.KindVisitorsFromMobile:    "mobile-visitor",
	counter.KindNewVisitorsFromMobile: "mobile-new-visitor",
	counter.KindIPAddresses:           "ip-address",
	counter.KindSessions:              "session",
}

// Middleware wraps next with request counting. The response is never failed
// or delayed by counting errors; at most, counts undercount.
func (c *Counter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		today := counter.Today(c.now(), c.loc)
		idDate := today
		if c.withoutDate {
			idDate = ""
		}
		prefix := c.prefix
		if prefix == "" {
			prefix = hostname(r)
		}

		metrics.RequestsObserved.Inc()
		c.emit(ctx, idDate, prefix, counter.KindRequests, "")

		sess := session.FromContext(ctx)
		if sess == nil {
			// Session capability disabled: only the requests counter is
			// meaningful for this request.
			next.ServeHTTP(w, r)
			return
		}

		ip := c.clientIP(r)
		out := c.ledger.Observe(ip, sess.ID(), today, sess.Flags())
		sess.SetFlags(out.Flags)
		metrics.TrackedIdentities.Set(float64(c.ledger.Size()))

		log.Debug().
			Str("ip", ip).
			Str("session", sess.ID()).
			Bool("confirmed", out.ConfirmedVisit).
			Bool("new_visitor", out.NewVisitor).
			Bool("first_ip_today", out.FirstIPToday).
			Bool("first_session_today", out.FirstSessionToday).
			Msg("request observed")

		if out.ConfirmedVisit {
			c.emit(ctx, idDate, prefix, counter.KindVisitors, dedupKey(idDate, ip, counter.KindVisitors))
			if out.NewVisitor {
				c.emit(ctx, idDate, prefix, counter.KindNewVisitors, dedupKey(idDate, ip, counter.KindNewVisitors))
			}
			if device.IsMobile(r.UserAgent()) {
				c.emit(ctx, idDate, prefix, counter.KindVisitorsFromMobile, dedupKey(idDate, ip, counter.KindVisitorsFromMobile))
				if out.NewVisitor {
					c.emit(ctx, idDate, prefix, counter.KindNewVisitorsFromMobile, dedupKey(idDate, ip, counter.KindNewVisitorsFromMobile))
				}
			}
		}
		if out.FirstIPToday {
			c.emit(ctx, idDate, prefix, counter.KindIPAddresses, dedupKey(idDate, ip, counter.KindIPAddresses))
		}
		if out.FirstSessionToday {
			c.emit(ctx, idDate, prefix, counter.KindSessions, dedupKey(idDate, sess.ID(), counter.KindSessions))
		}

		next.ServeHTTP(w, r)
	})
}

// Ledger exposes the dedup ledger for maintenance and introspection.
func (c *Counter) Ledger() *ledger.Ledger { return c.ledger }

// dedupKey builds the unprefixed claim key for kind, scoped to the identity
// that dedups it (IP for visit events, session id for session events).
func dedupKey(idDate, identity, kind string) string {
	return counter.BuildID(idDate, identity, claimWords[kind])
}

// emit increments one counter, optionally gated by a distributed claim.
// All failures are local to this increment: they are logged and counted,
// never propagated to the request.
func (c *Counter) emit(ctx context.Context, idDate, prefix, kind, claimKey string) {
	if c.claimer != nil && claimKey != "" {
		ok, err := c.claimer.Claim(ctx, claimKey)
		if err != nil {
			metrics.ClaimErrors.Inc()
			log.Warn().Err(err).Str("key", claimKey).Msg("claim failed")
			return
		}
		if !ok {
			metrics.ClaimRaces.Inc()
			log.Debug().Str("key", claimKey).Msg("claim lost, increment suppressed")
			return
		}
	}

	id := counter.BuildID(idDate, prefix, kind)
	if err := c.inc.Increment(ctx, id); err != nil {
		metrics.IncrementErrors.WithLabelValues(kind).Inc()
		log.Warn().Err(err).Str("counter", id).Msg("increment failed")
		return
	}
	metrics.IncrementsEmitted.WithLabelValues(kind).Inc()
}

// clientIP resolves the request's client IP. With TrustProxy set, the first
// X-Forwarded-For entry wins; otherwise the connection's remote address.
func (c *Counter) clientIP(r *http.Request) string {
	if c.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if i := strings.IndexByte(xff, ','); i >= 0 {
				xff = xff[:i]
			}
			return strings.TrimSpace(xff)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// hostname returns the request host without any port, the default counter
// prefix.
func hostname(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
