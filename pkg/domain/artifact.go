package domain

import (
	"fmt"
	"strings"
	"time"
)

// ArtifactID is the hex-encoded SHA-256 of an artifact's payload.
type ArtifactID string

// Short returns a prefix suitable for logs and reports.
func (id ArtifactID) Short() string {
	if len(id) > 12 {
		return string(id[:12])
	}
	return string(id)
}

// Tier is the storage tier an artifact currently lives in.
type Tier uint8

const (
	TierHot Tier = iota
	TierWarm
	TierCold
)

func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	}
	return fmt.Sprintf("tier(%d)", uint8(t))
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a tier name.
func (t *Tier) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "hot":
		*t = TierHot
	case "warm":
		*t = TierWarm
	case "cold":
		*t = TierCold
	default:
		return fmt.Errorf("unknown tier %q", string(b))
	}
	return nil
}

// ArtifactMeta is what a producer reports alongside a payload.
type ArtifactMeta struct {
	ContentType string `json:"content_type,omitempty"`
	// Producer identifies the workflow/node that produced the payload.
	Producer string `json:"producer,omitempty"`
	// Confidence is the producer-reported confidence in [0, 1].
	Confidence float64 `json:"confidence,omitempty"`
	// ValidationPasses counts validators the payload passed.
	ValidationPasses int               `json:"validation_passes,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Artifact describes a stored payload. The payload itself is held by the store.
type Artifact struct {
	ID          ArtifactID        `json:"id"`
	Size        int64             `json:"size"`
	ContentType string            `json:"content_type,omitempty"`
	Producer    string            `json:"producer,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Quality     float64           `json:"quality"`
	Tier        Tier              `json:"tier"`
	Refs        int64             `json:"refs"`
	Pins        int32             `json:"pins,omitempty"`
	Stale       bool              `json:"stale,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	LastAccess  time.Time         `json:"last_access"`
}
