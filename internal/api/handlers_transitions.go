package api

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bemamusic/crm-engine/internal/domain"
	"github.com/bemamusic/crm-engine/internal/pkg/httputil"
)

// TransitionRequest is the body of POST /api/transitions.
type TransitionRequest struct {
	SourceCampaign      string `json:"source_campaign"`
	DestinationCampaign string `json:"destination_campaign"`
}

// transitionView decorates a transition row with its audit-row count.
type transitionView struct {
	domain.Transition
	SubscriberCount int `json:"subscriber_count"`
}

// StartTransition kicks off a campaign transition in the background and
// returns the Running row.
func (h *Handlers) StartTransition(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	t, err := h.trans.Start(r.Context(), req.SourceCampaign, req.DestinationCampaign)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Accepted(w, t)
}

// ListTransitions returns recent transitions, newest first, each with the
// number of subscribers its audit trail recorded.
func (h *Handlers) ListTransitions(w http.ResponseWriter, r *http.Request) {
	rows, err := h.dir.ListTransitions(r.Context(), limitParam(r, 20))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	views := make([]transitionView, 0, len(rows))
	for _, t := range rows {
		views = append(views, transitionView{Transition: t, SubscriberCount: h.subscriberCount(r, t)})
	}
	httputil.OK(w, map[string]interface{}{"transitions": views, "count": len(views)})
}

// GetTransition returns one transition by id.
func (h *Handlers) GetTransition(w http.ResponseWriter, r *http.Request) {
	t, err := h.dir.GetTransition(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, transitionView{Transition: *t, SubscriberCount: h.subscriberCount(r, *t)})
}

// subscriberCount looks up the audit-row count, falling back to the row's
// own transferred count if the lookup fails.
func (h *Handlers) subscriberCount(r *http.Request, t domain.Transition) int {
	n, err := h.dir.CountTransitionSubscribers(r.Context(), t.ID)
	if err != nil {
		log.Printf("[API] counting transition %s subscribers: %v", t.ID, err)
		return t.CountTransferred
	}
	return n
}

// ListCampaigns returns the local campaign table.
func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := h.dir.ListCampaigns(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"campaigns": campaigns, "count": len(campaigns)})
}
