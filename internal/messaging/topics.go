package messaging

import "github.com/bardlex/stratumtest/internal/telemetry"

// Topic suffixes. The full topic name is "<prefix>.<suffix>".
const (
	TopicJobs         = "jobs"          // every mining.notify the session accepted
	TopicShares       = "shares"        // every synthetic share as it was sent
	TopicShareResults = "share_results" // server verdicts on submitted shares
	TopicSessions     = "sessions"      // extranonce, difficulty and session end
)

// Topic joins a prefix and a suffix. An empty prefix yields the bare suffix.
func Topic(prefix, suffix string) string {
	if prefix == "" {
		return suffix
	}
	return prefix + "." + suffix
}

// TopicFor returns the topic suffix events of type t are published to
func TopicFor(t telemetry.EventType) string {
	switch t {
	case telemetry.EventJob:
		return TopicJobs
	case telemetry.EventShare:
		return TopicShares
	case telemetry.EventShareResult:
		return TopicShareResults
	default:
		return TopicSessions
	}
}
