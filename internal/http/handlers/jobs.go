package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/dispatch"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/providers/safety"
)

const maxJobBody = 1 << 20

type createJobRequest struct {
	Type      string              `json:"type"`
	ProjectID string              `json:"project_id"`
	Items     []dispatch.ItemSpec `json:"items"`
	Audience  string              `json:"audience"`
	Metadata  map[string]any      `json:"metadata"`
}

type unsafeContentBody struct {
	Error        string   `json:"error"`
	Message      string   `json:"message"`
	BlockedTerms []string `json:"blocked_terms"`
	Suggestions  []string `json:"suggestions,omitempty"`
}

type jobItemDTO struct {
	ID          string            `json:"id"`
	TargetRef   string            `json:"target_ref"`
	Status      domain.ItemStatus `json:"status"`
	ArtifactRef string            `json:"artifact_ref,omitempty"`
	Error       string            `json:"error,omitempty"`
	Attempts    int               `json:"attempts"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

type jobDTO struct {
	ID              string           `json:"id"`
	ProjectID       string           `json:"project_id,omitempty"`
	Type            domain.JobType   `json:"type"`
	Status          domain.JobStatus `json:"status"`
	TotalItems      int              `json:"total_items"`
	CompletedItems  int              `json:"completed_items"`
	FailedItems     int              `json:"failed_items"`
	CreditsReserved int64            `json:"credits_reserved"`
	CreditsSpent    int64            `json:"credits_spent"`
	CreditsRefunded int64            `json:"credits_refunded"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	Items           []jobItemDTO     `json:"items"`
}

func toJobDTO(job *domain.Job) jobDTO {
	out := jobDTO{
		ID:              job.ID,
		ProjectID:       job.ProjectID,
		Type:            job.Type,
		Status:          job.Status,
		TotalItems:      job.TotalItems,
		CompletedItems:  job.CompletedItems,
		FailedItems:     job.FailedItems,
		CreditsReserved: job.CreditsReserved,
		CreditsSpent:    job.CreditsSpent,
		CreditsRefunded: job.CreditsRefunded,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
		Items:           make([]jobItemDTO, 0, len(job.Items)),
	}
	for _, it := range job.Items {
		out.Items = append(out.Items, jobItemDTO{
			ID:          it.ID,
			TargetRef:   it.TargetRef,
			Status:      it.Status,
			ArtifactRef: it.ArtifactRef,
			Error:       it.Error,
			Attempts:    it.Attempts,
			UpdatedAt:   it.UpdatedAt,
		})
	}
	return out
}

func (a *App) JobsCreate(w http.ResponseWriter, r *http.Request) {
	accountID := a.currentAccountID(r)
	if accountID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing account context")
		return
	}
	var req createJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJobBody))
	if err := dec.Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	audience := safety.AudienceGeneral
	if strings.EqualFold(req.Audience, string(safety.AudienceKids)) {
		audience = safety.AudienceKids
	}
	if a.Safety != nil {
		verdict, err := a.checkItems(r, req.Items, audience)
		if err != nil {
			a.domainError(w, r, err)
			return
		}
		if !verdict.Safe {
			a.json(w, http.StatusUnprocessableEntity, unsafeContentBody{
				Error:        "unsafe_content",
				Message:      "request contains blocked content",
				BlockedTerms: verdict.BlockedTerms,
				Suggestions:  verdict.Suggestions,
			})
			return
		}
	}
	res, err := a.Dispatcher.StartJob(r.Context(), dispatch.StartRequest{
		AccountID: accountID,
		ProjectID: req.ProjectID,
		Type:      domain.JobType(strings.ToLower(strings.TrimSpace(req.Type))),
		Items:     req.Items,
		Metadata:  req.Metadata,
	})
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, res)
}

// checkItems runs every prompt and target through the safety gate and merges
// the verdicts.
func (a *App) checkItems(r *http.Request, items []dispatch.ItemSpec, audience safety.Audience) (safety.Verdict, error) {
	merged := safety.Verdict{Safe: true}
	seen := map[string]struct{}{}
	for _, item := range items {
		text := strings.TrimSpace(item.Prompt + " " + item.TargetRef)
		if text == "" {
			continue
		}
		v, err := a.Safety.Check(r.Context(), text, audience)
		if err != nil {
			return safety.Verdict{}, err
		}
		if v.Safe {
			continue
		}
		merged.Safe = false
		for _, term := range v.BlockedTerms {
			if _, dup := seen[term]; !dup {
				seen[term] = struct{}{}
				merged.BlockedTerms = append(merged.BlockedTerms, term)
			}
		}
		merged.Suggestions = append(merged.Suggestions, v.Suggestions...)
	}
	return merged, nil
}

func (a *App) JobsGet(w http.ResponseWriter, r *http.Request) {
	accountID := a.currentAccountID(r)
	if accountID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing account context")
		return
	}
	job, err := a.Dispatcher.GetJobStatus(r.Context(), chi.URLParam(r, "id"), accountID)
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, toJobDTO(job))
}

func (a *App) JobsCancel(w http.ResponseWriter, r *http.Request) {
	accountID := a.currentAccountID(r)
	if accountID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing account context")
		return
	}
	res, err := a.Dispatcher.CancelJob(r.Context(), chi.URLParam(r, "id"), accountID)
	if errors.Is(err, domain.ErrConflict) {
		a.error(w, http.StatusConflict, "conflict", "job already finished")
		return
	}
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, res)
}
