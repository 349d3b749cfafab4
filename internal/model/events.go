package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// NATS subjects forming the external contract of the service. Inbound
// subjects are a closed set; anything else is rejected explicitly.
const (
	SubjectJobSubmitted  = "video.job.submitted"
	SubjectVideoRendered = "video.rendered"
	SubjectVideoFailed   = "video.failed"

	SubjectJobRouted   = "video.job.routed"
	SubjectJobRejected = "video.job.rejected"

	SubjectDeadLetter = "deadletter.events"
)

// ProviderQueueSubject returns the queue subject a routed job is delivered to.
func ProviderQueueSubject(provider string) string {
	return "provider." + provider
}

// JobFeatures carries optional feature flags on a submission.
type JobFeatures struct {
	Audio bool `json:"audio,omitempty"`
}

// JobSubmission is the inbound video.job.submitted payload. LengthSec is
// declared as any because callers have been observed sending numbers,
// numeric strings, and garbage; the rule evaluator owns coercion so that a
// bad value becomes a rejection reason instead of a decode failure.
type JobSubmission struct {
	JobID      string      `json:"jobId"`
	UserID     string      `json:"userId"`
	LengthSec  any         `json:"lengthSec"`
	Resolution string      `json:"resolution"`
	Tier       string      `json:"tier,omitempty"`
	Provider   string      `json:"provider,omitempty"`
	Feature    JobFeatures `json:"feature,omitempty"`
}

// Length coerces LengthSec to seconds. The bool reports whether the field
// was present at all; the error reports a non-numeric value.
func (s JobSubmission) Length() (int, bool, error) {
	switch v := s.LengthSec.(type) {
	case nil:
		return 0, false, nil
	case float64:
		return int(v), true, nil
	case int:
		return v, true, nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, true, fmt.Errorf("lengthSec %q is not a number", v.String())
		}
		return int(n), true, nil
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			return 0, true, fmt.Errorf("lengthSec %q is not a number", v)
		}
		return n, true, nil
	default:
		return 0, true, fmt.Errorf("lengthSec has unsupported type %T", v)
	}
}

// RenderCompleted is the inbound video.rendered payload that triggers a debit.
type RenderCompleted struct {
	JobID   string `json:"jobId"`
	UserID  string `json:"userId"`
	Seconds int    `json:"seconds"`
	Model   string `json:"model,omitempty"`
}

// RenderFailed is the inbound video.failed payload that triggers a refund.
type RenderFailed struct {
	JobID  string `json:"jobId"`
	UserID string `json:"userId,omitempty"`
}

// RoutedEvent is the outbound announcement for a successfully routed job.
type RoutedEvent struct {
	JobID    string `json:"jobId"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Queue    string `json:"queue"`
	TS       string `json:"ts"`
}

// RejectedEvent is the outbound announcement for a rejected job.
type RejectedEvent struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
	Reason string `json:"reason"`
	TS     string `json:"ts"`
}

// NewRoutedEvent builds the routed announcement with an ISO-8601 timestamp.
func NewRoutedEvent(jobID, provider, model, queue string, at time.Time) RoutedEvent {
	return RoutedEvent{
		JobID:    jobID,
		Provider: provider,
		Model:    model,
		Queue:    queue,
		TS:       at.UTC().Format(time.RFC3339),
	}
}

// NewRejectedEvent builds the rejection announcement.
func NewRejectedEvent(jobID, reason string, at time.Time) RejectedEvent {
	return RejectedEvent{
		JobID:  jobID,
		Status: "rejected",
		Reason: reason,
		TS:     at.UTC().Format(time.RFC3339),
	}
}
