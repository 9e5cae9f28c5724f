// Package executor runs claimed job items against the generation provider
// and object storage, retrying transient failures and reporting every
// terminal item result back to the job state machine.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/providers/ai"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/storage"
	"github.com/Poz83/Myjoe-CBS-sub001/pkg/zip"
)

// Executor performs one attempt at an item and returns the artifact
// reference to persist on success.
type Executor interface {
	Execute(ctx context.Context, claimed domain.ClaimedItem) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, claimed domain.ClaimedItem) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, claimed domain.ClaimedItem) (string, error) {
	return f(ctx, claimed)
}

// Render calls the generator for image-producing job types (page
// generation, hero sheets, calibration samples) and stores the result.
type Render struct {
	Generator ai.Generator
	Store     storage.Store
}

func (r Render) Execute(ctx context.Context, claimed domain.ClaimedItem) (string, error) {
	item := claimed.Item
	prompt := item.Prompt
	if prompt == "" {
		prompt = item.TargetRef
	}
	art, err := r.Generator.Generate(ctx, ai.Request{
		Kind:      claimed.Job.Type,
		Prompt:    prompt,
		TargetRef: item.TargetRef,
		RequestID: item.ID,
	})
	if err != nil {
		return "", err
	}
	key := artifactKey(claimed, art.ContentType)
	stored, err := r.Store.PutSigned(ctx, key, art.Data, art.ContentType)
	if err != nil {
		return "", domain.Transient(fmt.Errorf("store artifact: %w", err))
	}
	return stored, nil
}

// Export renders an item manifest, archives it, uploads the archive and
// returns a signed download link.
type Export struct {
	Store storage.Store
	TTL   time.Duration
	Now   func() time.Time
}

type exportManifest struct {
	JobID     string    `json:"job_id"`
	ItemID    string    `json:"item_id"`
	ProjectID string    `json:"project_id,omitempty"`
	TargetRef string    `json:"target_ref"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (e Export) Execute(ctx context.Context, claimed domain.ClaimedItem) (string, error) {
	item := claimed.Item
	if strings.TrimSpace(item.TargetRef) == "" {
		return "", domain.Permanent(fmt.Errorf("%w: export item needs a target", domain.ErrInvalidInput))
	}
	now := time.Now().UTC()
	if e.Now != nil {
		now = e.Now().UTC()
	}
	manifest, err := json.MarshalIndent(exportManifest{
		JobID:     claimed.Job.ID,
		ItemID:    item.ID,
		ProjectID: claimed.Job.ProjectID,
		TargetRef: item.TargetRef,
		Title:     item.Prompt,
		CreatedAt: now,
	}, "", "  ")
	if err != nil {
		return "", domain.Permanent(err)
	}
	archive, err := zip.Archive([]zip.Entry{
		{Filename: "manifest.json", MIME: "application/json", Data: manifest},
		{Filename: path.Join("pages", safeName(item.TargetRef)+".txt"), MIME: "text/plain", Data: []byte(item.Prompt)},
	}, now)
	if err != nil {
		return "", domain.Permanent(err)
	}
	key := artifactKey(claimed, "application/zip")
	stored, err := e.Store.PutSigned(ctx, key, archive, "application/zip")
	if err != nil {
		return "", domain.Transient(fmt.Errorf("store export: %w", err))
	}
	link, err := e.Store.SignedURL(stored, e.TTL)
	if err != nil {
		return "", domain.Transient(fmt.Errorf("sign export: %w", err))
	}
	return link, nil
}

func artifactKey(claimed domain.ClaimedItem, mime string) string {
	ext := extensionForMIME(mime)
	if ext == "" {
		ext = ".bin"
	}
	return fmt.Sprintf("jobs/%s/%s/%s%s", claimed.Job.Type, claimed.Job.ID, claimed.Item.ID, ext)
}

func extensionForMIME(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "application/zip":
		return ".zip"
	case "text/plain":
		return ".txt"
	default:
		return ""
	}
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// Registry maps job types to their executors.
type Registry map[domain.JobType]Executor

// NewRegistry wires the standard executors for every job type.
func NewRegistry(gen ai.Generator, store storage.Store, exportTTL time.Duration) Registry {
	render := Render{Generator: gen, Store: store}
	return Registry{
		domain.JobTypeGeneration:   render,
		domain.JobTypeHeroCreation: render,
		domain.JobTypeCalibration:  render,
		domain.JobTypeExport:       Export{Store: store, TTL: exportTTL},
	}
}
