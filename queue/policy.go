package queue

import (
	"time"

	"outreach/models"
)

// Policy is the retry budget of one channel.
type Policy struct {
	MaxAttempts int                `yaml:"max_attempts"`
	Backoff     models.BackoffKind `yaml:"backoff"`
	Base        time.Duration      `yaml:"base"`
}

// DefaultPolicies: email retries fast and exponentially, LinkedIn slowly and
// only once so a flagged account is not hammered.
func DefaultPolicies() map[models.Channel]Policy {
	return map[models.Channel]Policy{
		models.ChannelEmail:    {MaxAttempts: 3, Backoff: models.BackoffExponential, Base: 5 * time.Second},
		models.ChannelLinkedIn: {MaxAttempts: 2, Backoff: models.BackoffFixed, Base: 60 * time.Second},
	}
}

// Delay returns the wait before the next try once `attempts` tries were made.
func (p Policy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	switch p.Backoff {
	case models.BackoffFixed:
		return p.Base
	default:
		// Cap the shift so a misconfigured budget cannot overflow
		shift := attempts - 1
		if shift > 16 {
			shift = 16
		}
		return p.Base * time.Duration(1<<uint(shift))
	}
}

func policyFor(job *models.DispatchJob) Policy {
	return Policy{MaxAttempts: job.MaxAttempts, Backoff: job.BackoffKind, Base: job.BackoffBase}
}
