// Package candidate defines the Candidate and RegistryRecord data model
// (spec §3) shared by the registry, pricing, and selection packages.
package candidate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// SafetyGrade is an ordinal compliance tier, A strictest, D weakest.
type SafetyGrade string

const (
	SafetyA SafetyGrade = "A"
	SafetyB SafetyGrade = "B"
	SafetyC SafetyGrade = "C"
	SafetyD SafetyGrade = "D"
)

var safetyRank = map[SafetyGrade]int{
	SafetyA: 0,
	SafetyB: 1,
	SafetyC: 2,
	SafetyD: 3,
}

// Meets reports whether grade g satisfies a request that requires at
// least `required` strictness (lower rank number == stricter grade).
func (g SafetyGrade) Meets(required SafetyGrade) bool {
	gr, ok1 := safetyRank[g]
	rr, ok2 := safetyRank[required]
	if !ok1 || !ok2 {
		return false
	}
	return gr <= rr
}

// Status is the lifecycle state of a registry record.
type Status string

const (
	StatusActive     Status = "active"
	StatusShadow     Status = "shadow"
	StatusDeprecated Status = "deprecated"
	StatusSunset     Status = "sunset"
)

// Candidate is a specific model that could fulfill a request. Immutable
// per load; replaced wholesale on registry refresh.
type Candidate struct {
	Name            string      `json:"name"`
	Provider        string      `json:"provider"`
	CostPer1kTokens float64     `json:"cost_per_1k_tokens"`
	QualityPred     float64     `json:"quality_pred"`
	LatencyP95Ms    int         `json:"latency_p95_ms"`
	Region          string      `json:"region"`
	SafetyGrade     SafetyGrade `json:"safety_grade"`
}

// RegistryRecord is the on-disk/at-rest representation of one model in the
// catalog (spec §3, §6.2).
type RegistryRecord struct {
	Name               string          `json:"name"`
	Provider           string          `json:"provider"`
	Status             Status          `json:"status"`
	SafetyGrade        SafetyGrade     `json:"safety_grade"`
	ManifestHash       string          `json:"manifest_hash"`
	Tags               []string        `json:"tags"`
	LatencyP50Ms       int             `json:"latency_p50_ms"`
	LatencyP95Ms       int             `json:"latency_p95_ms"`
	QualityScore       float64         `json:"quality_score"`
	CostPerInputToken  float64         `json:"cost_per_input_token"`
	CostPerOutputToken float64         `json:"cost_per_output_token"`
	Region             string          `json:"region,omitempty"`
}

// hashable is RegistryRecord minus ManifestHash, used as the JCS hashing
// input so that hashing never depends on itself.
type hashable struct {
	Name               string      `json:"name"`
	Provider           string      `json:"provider"`
	Status             Status      `json:"status"`
	SafetyGrade        SafetyGrade `json:"safety_grade"`
	Tags               []string    `json:"tags"`
	LatencyP50Ms       int         `json:"latency_p50_ms"`
	LatencyP95Ms       int         `json:"latency_p95_ms"`
	QualityScore       float64     `json:"quality_score"`
	CostPerInputToken  float64     `json:"cost_per_input_token"`
	CostPerOutputToken float64     `json:"cost_per_output_token"`
	Region             string      `json:"region,omitempty"`
}

// ComputeManifestHash derives manifest_hash = SHA256(JCS(sorted fields
// minus hash)), per spec §3's RegistryRecord invariant. JCS (RFC 8785)
// gives us the canonical byte-for-byte serialization independent of Go's
// map/struct field ordering quirks.
func ComputeManifestHash(r RegistryRecord) (string, error) {
	h := hashable{
		Name: r.Name, Provider: r.Provider, Status: r.Status, SafetyGrade: r.SafetyGrade,
		Tags: r.Tags, LatencyP50Ms: r.LatencyP50Ms, LatencyP95Ms: r.LatencyP95Ms,
		QualityScore: r.QualityScore, CostPerInputToken: r.CostPerInputToken,
		CostPerOutputToken: r.CostPerOutputToken, Region: r.Region,
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("candidate: marshal for hashing: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("candidate: jcs transform: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyManifestHash reports whether r.ManifestHash matches the
// recomputed hash of its other fields.
func VerifyManifestHash(r RegistryRecord) (bool, error) {
	want, err := ComputeManifestHash(r)
	if err != nil {
		return false, err
	}
	return want == r.ManifestHash, nil
}

// ToCandidate projects a RegistryRecord into the lightweight Candidate
// shape the selection engine scores, using static pricing.
func (r RegistryRecord) ToCandidate() Candidate {
	return Candidate{
		Name:            r.Name,
		Provider:        r.Provider,
		CostPer1kTokens: (r.CostPerInputToken + r.CostPerOutputToken) / 2 * 1000,
		QualityPred:     r.QualityScore,
		LatencyP95Ms:    r.LatencyP95Ms,
		Region:          r.Region,
		SafetyGrade:     r.SafetyGrade,
	}
}
