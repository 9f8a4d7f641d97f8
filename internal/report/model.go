// Package report holds the value types shared by the CDR reporting
// pipeline: per-source extension rows, the extension roster, cross-source
// combined rows and per-source failures. All of them are request-scoped.
package report

import "math"

// Extension numbers outside [MinExtension, MaxExtension] are not reported.
const (
	MinExtension = 2000
	MaxExtension = 3999
)

// LongCallSeconds is the answered duration a call must exceed to count as
// a long call.
const LongCallSeconds = 90

// ExtensionStat is one extension's activity in one source for one window.
// Minute fields are exact (seconds/60); rounding happens once the rows of
// every source have been summed.
type ExtensionStat struct {
	Extension          int
	Name               string
	UniqueDestinations int
	CallCount          int
	TotalTalkMinutes   float64
	LongCallCount      int
	LongCallMinutes    float64
}

// RosterEntry is a configured extension, active or not.
type RosterEntry struct {
	Extension int
	Name      string
}

// CombinedStat is the sum of ExtensionStat rows for one extension across
// every source that returned it.
type CombinedStat struct {
	Extension          int
	Name               string
	UniqueDestinations int
	CallCount          int
	TotalTalkMinutes   float64
	LongCallCount      int
	LongCallMinutes    float64
}

// DestinationStat is the per-destination call tally feeding the ASR report.
type DestinationStat struct {
	Destination   string
	TotalCalls    int
	AnsweredCalls int
	TalkSeconds   int64
}

// SourceError is a failure of one named source. It never fails the request.
type SourceError struct {
	Source  string `json:"source"`
	Message string `json:"error"`
}

// ValidExtension reports whether n lies in the reportable extension range.
func ValidExtension(n int) bool {
	return n >= MinExtension && n <= MaxExtension
}

// Round2 rounds v to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Minutes converts a duration in seconds to exact minutes.
func Minutes(seconds int64) float64 {
	return float64(seconds) / 60
}
