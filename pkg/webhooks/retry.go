package webhooks

import (
	"encoding/json"
	"fmt"
	"time"
)

// RetryPolicy bounds the attempts for one delivery and the waits between them
type RetryPolicy struct {
	MaxAttempts int
	Delays      []time.Duration
}

// DefaultRetryPolicy returns six attempts spaced 1m, 5m, 30m, 2h and 12h apart
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 6,
		Delays: []time.Duration{
			1 * time.Minute,
			5 * time.Minute,
			30 * time.Minute,
			2 * time.Hour,
			12 * time.Hour,
		},
	}
}

// IsZero reports whether the policy was left unset
func (p RetryPolicy) IsZero() bool {
	return p.MaxAttempts == 0 && len(p.Delays) == 0
}

// Validate checks the policy bounds
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("maxAttempts must be at least 1, got %d", p.MaxAttempts)
	}
	for i, d := range p.Delays {
		if d < 0 {
			return fmt.Errorf("delay %d must not be negative", i)
		}
	}
	return nil
}

// DelayFor returns the wait after the given 1-based attempt. Attempts past the
// end of the table reuse its last entry.
func DelayFor(attempt int, table []time.Duration) time.Duration {
	if len(table) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	idx := attempt - 1
	if idx > len(table)-1 {
		idx = len(table) - 1
	}
	return table[idx]
}

type retryPolicyJSON struct {
	MaxAttempts int     `json:"maxAttempts"`
	DelaysMs    []int64 `json:"delaysMs"`
}

// MarshalJSON encodes delays as milliseconds
func (p RetryPolicy) MarshalJSON() ([]byte, error) {
	out := retryPolicyJSON{
		MaxAttempts: p.MaxAttempts,
		DelaysMs:    make([]int64, len(p.Delays)),
	}
	for i, d := range p.Delays {
		out.DelaysMs[i] = d.Milliseconds()
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes delays given in milliseconds
func (p *RetryPolicy) UnmarshalJSON(data []byte) error {
	var in retryPolicyJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	p.MaxAttempts = in.MaxAttempts
	p.Delays = make([]time.Duration, len(in.DelaysMs))
	for i, ms := range in.DelaysMs {
		p.Delays[i] = time.Duration(ms) * time.Millisecond
	}
	return nil
}
