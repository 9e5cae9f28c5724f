// Package ai is the boundary with the generation provider used by the item
// executors. Errors returned by generators are wrapped with
// domain.Transient or domain.Permanent.
package ai

import (
	"context"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
)

// Request is one item generation call.
type Request struct {
	Kind      domain.JobType
	Prompt    string
	TargetRef string
	RequestID string
}

// Artifact is the produced binary.
type Artifact struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// Generator produces one artifact per call.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Artifact, error)
}
