package pipeline

import "time"

// UTCNowISO returns the current instant as a second-precision UTC
// RFC3339 string (the "Z" form), the format every computed_at /
// ingested_at column uses.
func UTCNowISO() string {
	return time.Now().UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}

// ISODate formats a time as its calendar date (YYYY-MM-DD).
func ISODate(t time.Time) string {
	return t.Format("2006-01-02")
}
