// Package webhook receives GitHub webhook deliveries, verifies their HMAC
// signatures, deduplicates them and dispatches workflow runs.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/shipsec/shipsec/runtime/fault"
)

const (
	// DeliveryHeader carries GitHub's unique delivery id.
	DeliveryHeader = "X-GitHub-Delivery"
	// EventHeader names the event type.
	EventHeader = "X-GitHub-Event"

	// workflowIDLimit caps dispatched workflow ids.
	workflowIDLimit = 64
	// maxBodyBytes bounds the accepted payload.
	maxBodyBytes = 1 << 20
)

type (
	// Event is the normalized envelope handed to the dispatched workflow.
	Event struct {
		DeliveryID string    `json:"deliveryId"`
		Event      string    `json:"event"`
		Action     string    `json:"action,omitempty"`
		Workflow   string    `json:"workflow"`
		Repository string    `json:"repository,omitempty"`
		HeadSHA    string    `json:"headSha,omitempty"`
		PRNumber   int       `json:"prNumber,omitempty"`
		DedupeKey  string    `json:"dedupeKey"`
		ReceivedAt time.Time `json:"receivedAt"`
	}

	// WorkflowStarter dispatches one workflow run for an event. Starting an
	// id that already ran must be treated as success by implementations
	// backed by orchestrators with id-uniqueness.
	WorkflowStarter interface {
		StartWorkflow(ctx context.Context, workflowID string, event Event) error
	}

	// Handler is the GitHub webhook endpoint.
	Handler struct {
		secret     string
		production bool
		starter    WorkflowStarter
		dedupe     *dedupeSet
		now        func() time.Time

		limiterMu sync.Mutex
		limiters  map[string]*rate.Limiter
		limit     rate.Limit
		burst     int
	}

	// HandlerOptions configures a Handler.
	HandlerOptions struct {
		// Secret verifies deliveries. Empty means dev pass-through; in
		// production an empty secret is a configuration fault.
		Secret     string
		Production bool
		Starter    WorkflowStarter
		// DedupeCapacity overrides the LRU bound, primarily for tests.
		DedupeCapacity int
		// RatePerRepo throttles deliveries per repository. Zero means
		// 10 req/s with burst 20.
		RatePerRepo rate.Limit
		RateBurst   int
		Now         func() time.Time
	}
)

// NewHandler constructs the webhook handler.
func NewHandler(opts HandlerOptions) (*Handler, error) {
	if opts.Starter == nil {
		return nil, fault.New(fault.KindConfiguration, "webhook handler requires a workflow starter")
	}
	if opts.Production && opts.Secret == "" {
		return nil, fault.New(fault.KindConfiguration, "webhook secret is required in production")
	}
	limit := opts.RatePerRepo
	if limit == 0 {
		limit = rate.Limit(10)
	}
	burst := opts.RateBurst
	if burst == 0 {
		burst = 20
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{
		secret:     opts.Secret,
		production: opts.Production,
		starter:    opts.Starter,
		dedupe:     newDedupeSet(opts.DedupeCapacity),
		now:        now,
		limiters:   make(map[string]*rate.Limiter),
		limit:      limit,
		burst:      burst,
	}, nil
}

// Routes registers the webhook endpoint on the mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/github/{workflow}", h.ServeDelivery)
}

// ServeDelivery processes one delivery: verify, normalize, dedupe, enqueue.
// Duplicates are acknowledged with 202 so GitHub stops redelivering.
func (h *Handler) ServeDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	if h.secret == "" {
		if h.production {
			http.Error(w, "webhook secret not configured", http.StatusUnauthorized)
			return
		}
		log.Warn(ctx, log.KV{K: "msg", V: "webhook signature verification skipped: no secret configured"})
	} else if !Verify(body, r.Header.Get(SignatureHeader), h.secret) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	event := h.normalize(r, body)

	if event.Repository != "" && !h.limiter(event.Repository).Allow() {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	if h.dedupe.Seen(event.DedupeKey) {
		writeAccepted(w, map[string]any{"ok": true, "status": "duplicate", "dedupeKey": event.DedupeKey})
		return
	}

	workflowID := truncateID("github-" + event.Workflow + "-" + event.DedupeKey)
	if err := h.starter.StartWorkflow(ctx, workflowID, event); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "workflow dispatch failed"}, log.KV{K: "workflow_id", V: workflowID})
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
		return
	}
	writeAccepted(w, map[string]any{"ok": true, "status": "accepted", "workflowId": workflowID})
}

// normalize extracts the repository and pull-request identity from the
// payload and builds the dedupe key.
func (h *Handler) normalize(r *http.Request, body []byte) Event {
	var payload struct {
		Action     string `json:"action"`
		After      string `json:"after"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
		PullRequest struct {
			Number int `json:"number"`
			Head   struct {
				SHA string `json:"sha"`
			} `json:"head"`
		} `json:"pull_request"`
	}
	_ = json.Unmarshal(body, &payload)

	deliveryID := r.Header.Get(DeliveryHeader)
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}
	headSHA := payload.PullRequest.Head.SHA
	if headSHA == "" {
		headSHA = payload.After
	}
	dedupeKey := deliveryID
	if headSHA != "" {
		dedupeKey = deliveryID + ":" + headSHA
	}
	return Event{
		DeliveryID: deliveryID,
		Event:      r.Header.Get(EventHeader),
		Action:     payload.Action,
		Workflow:   r.PathValue("workflow"),
		Repository: payload.Repository.FullName,
		HeadSHA:    headSHA,
		PRNumber:   payload.PullRequest.Number,
		DedupeKey:  dedupeKey,
		ReceivedAt: h.now().UTC(),
	}
}

func (h *Handler) limiter(repo string) *rate.Limiter {
	h.limiterMu.Lock()
	defer h.limiterMu.Unlock()
	l, ok := h.limiters[repo]
	if !ok {
		l = rate.NewLimiter(h.limit, h.burst)
		h.limiters[repo] = l
	}
	return l
}

func truncateID(id string) string {
	if len(id) <= workflowIDLimit {
		return id
	}
	return id[:workflowIDLimit]
}

func writeAccepted(w http.ResponseWriter, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(body)
}
