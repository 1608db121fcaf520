// Package ledger holds the in-process dedup state that decides which
// counter events are "first today" for an IP address or a session, and
// whether a request confirms a returning visit.
package ledger

import (
	"sync"

	"github.com/developingchet/visitor-counter/internal/counter"
)

// dailyState tracks one identity (IP or session id) for one calendar date.
type dailyState struct {
	requests       uint64
	processedToday bool
}

// dayTable partitions the per-identity state by date so that stale dates
// can be evicted wholesale.
type dayTable struct {
	ips      map[string]*dailyState
	sessions map[string]*dailyState
}

func newDayTable() *dayTable {
	return &dayTable{
		ips:      make(map[string]*dailyState),
		sessions: make(map[string]*dailyState),
	}
}

// VisitRecord is the lifetime-scoped record for one session. Unlike the
// day tables it survives date rollover and is never evicted.
type VisitRecord struct {
	Confirmed     bool
	LastVisitDate string
}

// Flags are the sticky per-session values owned by the session collaborator.
// NotFirstRequest means a session object already existed when the request
// started; LastVisitDate is the date of the last confirmed visit ("" = never).
type Flags struct {
	NotFirstRequest bool
	LastVisitDate   string
}

// Outcome reports which events a single observed request fires. Flags holds
// the updated sticky values the caller must write back to the session.
type Outcome struct {
	FirstIPToday      bool
	FirstSessionToday bool
	ConfirmedVisit    bool
	NewVisitor        bool
	Flags             Flags
}

// Ledger is safe for concurrent use. One mutex guards all tables: the
// critical section is a handful of map operations per request, and a single
// lock is what makes the read-check-write confirmation sequence atomic.
type Ledger struct {
	mu     sync.Mutex
	days   map[string]*dayTable
	visits map[string]*VisitRecord
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{
		days:   make(map[string]*dayTable),
		visits: make(map[string]*VisitRecord),
	}
}

// Observe runs the confirmation protocol for one request and mutates the
// ledger exactly once. today is the request's calendar date (dd-mm-yyyy).
//
// A visit is confirmed iff the session already existed when the request
// started (flags.NotFirstRequest) and its last confirmed visit was not
// today. The ConfirmedVisit event additionally requires that neither the
// IP's nor the session's daily state has been processed today: concurrent
// first-wave requests from one client may carry different ephemeral session
// ids before the cookie settles, so the IP check is what stops them from
// each counting a visit.
func (l *Ledger) Observe(ip, sessionID, today string, flags Flags) Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()

	day := l.day(today)
	ipState := day.ips[ip]
	sessState := day.sessions[sessionID]

	out := Outcome{Flags: flags}

	processed := false
	if flags.NotFirstRequest && flags.LastVisitDate != today {
		if (ipState == nil || !ipState.processedToday) && (sessState == nil || !sessState.processedToday) {
			out.ConfirmedVisit = true
			out.NewVisitor = flags.LastVisitDate == "" && !l.everConfirmed(sessionID)
		}
		rec := l.visits[sessionID]
		if rec == nil {
			rec = &VisitRecord{}
			l.visits[sessionID] = rec
		}
		rec.Confirmed = true
		rec.LastVisitDate = today
		out.Flags.LastVisitDate = today
		processed = true
	}
	out.Flags.NotFirstRequest = true

	if ipState == nil {
		day.ips[ip] = &dailyState{requests: 1, processedToday: processed}
		out.FirstIPToday = true
	} else {
		ipState.requests++
		ipState.processedToday = ipState.processedToday || processed
	}

	if sessState == nil {
		day.sessions[sessionID] = &dailyState{requests: 1, processedToday: processed}
		out.FirstSessionToday = true
	} else {
		sessState.requests++
		sessState.processedToday = sessState.processedToday || processed
	}

	return out
}

// Visit returns a copy of the lifetime record for sessionID, or ok=false if
// the session has never confirmed a visit.
func (l *Ledger) Visit(sessionID string) (VisitRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.visits[sessionID]
	if !ok {
		return VisitRecord{}, false
	}
	return *rec, true
}

// Size returns the number of daily identity entries currently retained,
// across all dates. Lifetime visit records are not included.
func (l *Ledger) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, day := range l.days {
		n += len(day.ips) + len(day.sessions)
	}
	return n
}

// day returns the table for date, creating it on first sight. Creation
// evicts every retained table other than date and the date before it.
func (l *Ledger) day(date string) *dayTable {
	if t, ok := l.days[date]; ok {
		return t
	}
	yesterday := counter.PreviousDay(date)
	for d := range l.days {
		if d != yesterday {
			delete(l.days, d)
		}
	}
	t := newDayTable()
	l.days[date] = t
	return t
}

// everConfirmed reports whether sessionID already has a confirmed lifetime
// visit record. Must be called with the mutex held.
func (l *Ledger) everConfirmed(sessionID string) bool {
	rec, ok := l.visits[sessionID]
	return ok && rec.Confirmed
}
