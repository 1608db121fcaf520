// Package counter builds the deterministic identifiers under which every
// sink stores its counts.
package counter

import "time"

// Counter kinds. Each kind is the middle segment of a counter id.
const (
	KindRequests              = "requests"
	KindVisitors              = "visitors"
	KindNewVisitors           = "new-visitors"
	KindVisitorsFromMobile    = "visitors-from-mobile"
	KindNewVisitorsFromMobile = "new-visitors-from-mobile"
	KindIPAddresses           = "ip-addresses"
	KindSessions              = "sessions"
)

// dateLayout renders calendar dates as dd-mm-yyyy. Counter ids are a
// compatibility surface; the layout must not change.
const dateLayout = "02-01-2006"

// BuildID returns "{prefix}-{kind}-{date}", or "{prefix}-{kind}" when date
// is empty. Injective over (prefix, kind, date); a prefix containing the
// separator is a configuration error, not handled here.
func BuildID(date, prefix, kind string) string {
	if date == "" {
		return prefix + "-" + kind
	}
	return prefix + "-" + kind + "-" + date
}

// Today returns the calendar date of now in loc, formatted dd-mm-yyyy.
// loc is the deployment's fixed timezone policy.
func Today(now time.Time, loc *time.Location) string {
	return now.In(loc).Format(dateLayout)
}

// PreviousDay returns the date string one calendar day before date, or ""
// if date does not parse.
func PreviousDay(date string) string {
	t, err := time.Parse(dateLayout, date)
	if err != nil {
		return ""
	}
	return t.AddDate(0, 0, -1).Format(dateLayout)
}
