// Package routing holds the static rule engine that maps a video job to a
// provider/model pair or a rejection reason. Evaluation is a pure function
// of the submission: no clock, no store, no randomness, so replaying an
// event always reproduces the original decision.
package routing

import (
	"fmt"

	"renderbus/internal/model"
)

// Rejection reason codes. Parameterised reasons append a detail after a
// colon, e.g. "missing_required_field:jobId".
const (
	ReasonNoRoute           = "no_route"
	ReasonMissingField      = "missing_required_field"
	ReasonInvalidLength     = "invalid_length"
	ReasonUnsupported       = "unsupported_provider"
	ReasonQueueError        = "queue_error"
	ReasonInsufficientFunds = "insufficient_funds"
)

const (
	minLengthSec = 1
	maxLengthSec = 300

	// ProviderAuto lets the rule set pick the backend.
	ProviderAuto = "auto"
)

// defaultModels maps each supported provider to the model used when the
// caller names the provider explicitly.
var defaultModels = map[string]string{
	"fal":       "wan-i2v",
	"replicate": "stable-video",
	"veo":       "veo-standard",
}

// Decision is the outcome of rule evaluation: either a provider/model pair
// or a rejection reason, never both.
type Decision struct {
	Provider string
	Model    string
	Reason   string
}

// Rejected reports whether the decision is a rejection.
func (d Decision) Rejected() bool { return d.Reason != "" }

func routed(provider, model string) Decision {
	return Decision{Provider: provider, Model: model}
}

func rejected(reason string) Decision {
	return Decision{Reason: reason}
}

// Supported reports whether the provider is a known backend.
func Supported(provider string) bool {
	_, ok := defaultModels[provider]
	return ok
}

// Providers returns the supported provider names.
func Providers() []string {
	out := make([]string, 0, len(defaultModels))
	for p := range defaultModels {
		out = append(out, p)
	}
	return out
}

// Evaluate applies the routing rules to a submission, first match wins:
//
//  1. required fields present
//  2. lengthSec numeric and within [1, 300]
//  3. explicit provider honoured if supported, rejected if not
//  4. short 720p clips go to fal/wan-i2v
//  5. no route
func Evaluate(sub model.JobSubmission) Decision {
	if sub.JobID == "" {
		return rejected(ReasonMissingField + ":jobId")
	}
	if sub.UserID == "" {
		return rejected(ReasonMissingField + ":userId")
	}
	length, present, err := sub.Length()
	if !present {
		return rejected(ReasonMissingField + ":lengthSec")
	}
	if err != nil {
		return rejected(ReasonInvalidLength + ":not_a_number")
	}
	if sub.Resolution == "" {
		return rejected(ReasonMissingField + ":resolution")
	}
	if length < minLengthSec || length > maxLengthSec {
		return rejected(fmt.Sprintf("%s:must_be_%d-%d_seconds", ReasonInvalidLength, minLengthSec, maxLengthSec))
	}

	if provider := sub.Provider; provider != "" && provider != ProviderAuto {
		defModel, ok := defaultModels[provider]
		if !ok {
			return rejected(ReasonUnsupported + ":" + provider)
		}
		return routed(provider, defModel)
	}

	if length <= 10 && sub.Resolution == "720p" {
		return routed("fal", "wan-i2v")
	}

	return rejected(ReasonNoRoute)
}
