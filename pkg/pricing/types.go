// Package pricing implements the real-time pricing pipeline (spec §4.1,
// §4.2): concurrent fetch + cache + change-detection over provider pricing
// APIs, exposed to the selector as a low-latency lookup.
package pricing

import "time"

// Entry is the price of one provider:model pair (spec §3 PricingEntry).
type Entry struct {
	InputPer1k    float64   `json:"input_per_1k"`
	OutputPer1k   float64   `json:"output_per_1k"`
	CapturedAt    time.Time `json:"captured_at"`
	SourceVersion string    `json:"source_version"`
}

// IsStale reports whether the entry is older than threshold, as of now.
func (e Entry) IsStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(e.CapturedAt) > threshold
}

// TokenType distinguishes input vs. output pricing for change events.
type TokenType string

const (
	TokenInput  TokenType = "input"
	TokenOutput TokenType = "output"
)

// Change is emitted when a tracked price moves by at least the configured
// change threshold (spec §3 PricingChange).
type Change struct {
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	TokenType      TokenType `json:"token_type"`
	PreviousPrice  float64   `json:"previous_price"`
	CurrentPrice   float64   `json:"current_price"`
	ChangePercent  float64   `json:"change_percent"`
	DetectedAt     time.Time `json:"detected_at"`
}

// Severity classifies how large a pricing change is, independent of the
// anomaly detector's severity scale — a >= significant_change_percent move
// (default 20%) is "high", otherwise "normal".
func (c Change) Severity(significantChangePercent float64) string {
	abs := c.ChangePercent
	if abs < 0 {
		abs = -abs
	}
	if abs >= significantChangePercent {
		return "high"
	}
	return "normal"
}
