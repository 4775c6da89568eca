// Package httpapi serves the gateway's operator-facing HTTP surface: audit
// log listing, terminal replay and live attach, and the health endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	storemongo "github.com/shipsec/shipsec/features/store/mongo"
	"github.com/shipsec/shipsec/runtime/fault"
)

type (
	// AuditLister serves audit pages. Implemented by *storemongo.AuditStore.
	AuditLister interface {
		List(ctx context.Context, q storemongo.AuditQuery) (storemongo.AuditPage, error)
	}

	// AuditAPI is the audit listing endpoint.
	AuditAPI struct {
		store AuditLister
	}

	// auditResponse renders nextCursor as an explicit null on the final page
	// so clients can distinguish "no more pages" without probing.
	auditResponse struct {
		Items      []storemongo.AuditEntry `json:"items"`
		NextCursor *string                 `json:"nextCursor"`
	}
)

// NewAuditAPI constructs the endpoint.
func NewAuditAPI(store AuditLister) (*AuditAPI, error) {
	if store == nil {
		return nil, fault.New(fault.KindConfiguration, "audit store is required")
	}
	return &AuditAPI{store: store}, nil
}

// Routes registers the audit endpoints on the mux.
func (a *AuditAPI) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /audit-logs", a.handleList)
}

func (a *AuditAPI) handleList(w http.ResponseWriter, r *http.Request) {
	q, err := auditQueryFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	page, err := a.store.List(r.Context(), q)
	if err != nil {
		writeFault(w, err)
		return
	}
	resp := auditResponse{Items: page.Items}
	if resp.Items == nil {
		resp.Items = []storemongo.AuditEntry{}
	}
	if page.NextCursor != "" {
		resp.NextCursor = &page.NextCursor
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func auditQueryFromRequest(r *http.Request) (storemongo.AuditQuery, error) {
	values := r.URL.Query()
	q := storemongo.AuditQuery{
		OrganizationID: values.Get("organizationId"),
		ResourceType:   values.Get("resourceType"),
		ResourceID:     values.Get("resourceId"),
		Action:         values.Get("action"),
		ActorID:        values.Get("actorId"),
		Cursor:         values.Get("cursor"),
		Limit:          storemongo.AuditLimitDefault,
	}
	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return storemongo.AuditQuery{}, fault.Newf(fault.KindValidation, "limit must be an integer, got %q", raw)
		}
		q.Limit = n
	}
	if raw := values.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return storemongo.AuditQuery{}, fault.Newf(fault.KindValidation, "from must be RFC3339, got %q", raw)
		}
		q.From = t
	}
	if raw := values.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return storemongo.AuditQuery{}, fault.Newf(fault.KindValidation, "to must be RFC3339, got %q", raw)
		}
		q.To = t
	}
	return q, nil
}

// writeFault maps validation faults to 400 and everything else to 500. Store
// error details never leak to clients.
func writeFault(w http.ResponseWriter, err error) {
	if fault.KindOf(err) == fault.KindValidation {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Error(w, "internal error", http.StatusInternalServerError)
}
