package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"reminders/internal/domain"
	"reminders/internal/service"
)

const maxBodyBytes = 1 << 20

type API struct {
	Svc *service.ReminderService
	Log *slog.Logger
}

func (a *API) log() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}

// Register mounts the reminder and template routes. Fixed paths are registered before
// /{id} so they are not captured as ids.
func (a *API) Register(m *mux.Router) {
	v1 := m.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/reminders", a.handleCreate).Methods(http.MethodPost)
	v1.HandleFunc("/reminders", a.handleList).Methods(http.MethodGet)
	v1.HandleFunc("/reminders/stats", a.handleStats).Methods(http.MethodGet)
	v1.HandleFunc("/reminders/overdue", a.handleOverdue).Methods(http.MethodGet)
	v1.HandleFunc("/reminders/bulk", a.handleBulk).Methods(http.MethodPost)
	v1.HandleFunc("/reminders/from-template", a.handleFromTemplate).Methods(http.MethodPost)

	v1.HandleFunc("/reminders/{id}", a.handleGet).Methods(http.MethodGet)
	v1.HandleFunc("/reminders/{id}", a.handleUpdate).Methods(http.MethodPatch)
	v1.HandleFunc("/reminders/{id}", a.handleDelete).Methods(http.MethodDelete)
	v1.HandleFunc("/reminders/{id}/send", a.handleSend).Methods(http.MethodPost)
	v1.HandleFunc("/reminders/{id}/cancel", a.handleCancel).Methods(http.MethodPost)
	v1.HandleFunc("/reminders/{id}/acknowledgments", a.handleAcknowledge).Methods(http.MethodPost)
	v1.HandleFunc("/reminders/{id}/acknowledgments", a.handleListAcknowledgments).Methods(http.MethodGet)
	v1.HandleFunc("/reminders/{id}/deliveries", a.handleListDeliveries).Methods(http.MethodGet)
	v1.HandleFunc("/reminders/{id}/escalations", a.handleListEscalations).Methods(http.MethodGet)

	v1.HandleFunc("/templates", a.handleCreateTemplate).Methods(http.MethodPost)
	v1.HandleFunc("/templates", a.handleListTemplates).Methods(http.MethodGet)
	v1.HandleFunc("/templates/{id}", a.handleGetTemplate).Methods(http.MethodGet)
}

type items[T any] struct {
	Items []T `json:"items"`
}

func listOf[T any](v []T) items[T] {
	if v == nil {
		v = []T{}
	}
	return items[T]{Items: v}
}

// escalationInput carries the flat escalation fields accepted on create next to the
// reminder body.
type escalationInput struct {
	AutoEscalate    bool `json:"autoEscalate"`
	EscalationDelay int  `json:"escalationDelay"`
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeBadRequest(w, "invalid_json", ErrInvalidJSON)
		return
	}
	var in domain.Reminder
	if err := json.Unmarshal(body, &in); err != nil {
		writeBadRequest(w, "invalid_json", err.Error())
		return
	}
	var esc escalationInput
	if err := json.Unmarshal(body, &esc); err != nil {
		writeBadRequest(w, "invalid_json", err.Error())
		return
	}
	if esc.AutoEscalate {
		in.Escalation = &domain.EscalationPolicy{DelayHours: esc.EscalationDelay}
	}

	created, err := a.Svc.Create(r.Context(), actor(r), in)
	if err != nil {
		writeError(w, a.log(), err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	p := &queryParser{q: r.URL.Query()}
	f := parseFilter(p)
	so := parseSort(p)
	page := parsePage(p)
	if err := p.err(); err != nil {
		writeError(w, a.log(), err)
		return
	}
	res, err := a.Svc.List(r.Context(), f, so, page)
	if err != nil {
		writeError(w, a.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	p := &queryParser{q: r.URL.Query()}
	f := parseFilter(p)
	if err := p.err(); err != nil {
		writeError(w, a.log(), err)
		return
	}
	st, err := a.Svc.Stats(r.Context(), f)
	if err != nil {
		writeError(w, a.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleOverdue(w http.ResponseWriter, r *http.Request) {
	p := &queryParser{q: r.URL.Query()}
	page := parsePage(p)
	if err := p.err(); err != nil {
		writeError(w, a.log(), err)
		return
	}
	res, err := a.Svc.Overdue(r.Context(), page)
	if err != nil {
		writeError(w, a.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleBulk(w http.ResponseWriter, r *http.Request) {
	var req service.BulkRequest
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.Svc.BulkAction(r.Context(), actor(r), req)
	if err != nil {
		writeError(w, a.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleFromTemplate(w http.ResponseWriter, r *http.Request) {
	var req service.FromTemplate
	if !a.decode(w, r, &req) {
		return
	}
	created, err := a.Svc.CreateFromTemplate(r.Context(), actor(r), req)
	if err != nil {
		writeError(w, a.log(), err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	rem, err := a.Svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, a.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (a *API) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var p service.Patch
	if !a.decode(w, r, &p) {
		return
	}
	rem, err := a.Svc.Update(r.Context(), actor(r), mux.Vars(r)["id"], p)
	if err != nil {
		writeError(w, a.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.Svc.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, a.log(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	rep, err := a.Svc.Send(r.Context(), mux.Vars(r)["id"])
	var de *domain.DeliveryError
	if errors.As(err, &de) {
		writeErrorReport(w, a.log(), err, rep)
		return
	}
	if err != nil {
		writeError(w, a.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	rem, err := a.Svc.Cancel(r.Context(), actor(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, a.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

type ackRequest struct {
	RecipientID  string `json:"recipientId"`
	ResponseNote string `json:"responseNote"`
}

// handleAcknowledge records a response. Without recipientId in the body the actor header
// names the recipient.
func (a *API) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.RecipientID == "" {
		req.RecipientID = r.Header.Get(ActorHeader)
	}
	rem, err := a.Svc.Acknowledge(r.Context(), mux.Vars(r)["id"], req.RecipientID, req.ResponseNote)
	if err != nil {
		writeError(w, a.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (a *API) handleListAcknowledgments(w http.ResponseWriter, r *http.Request) {
	acks, err := a.Svc.Acknowledgments(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, a.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, listOf(acks))
}

func (a *API) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	ds, err := a.Svc.Deliveries(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, a.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, listOf(ds))
}

func (a *API) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	es, err := a.Svc.Escalations(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, a.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, listOf(es))
}

func (a *API) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var t domain.Template
	if !a.decode(w, r, &t) {
		return
	}
	created, err := a.Svc.CreateTemplate(r.Context(), actor(r), t)
	if err != nil {
		writeError(w, a.log(), err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	p := &queryParser{q: r.URL.Query()}
	active := p.boolean("active")
	if err := p.err(); err != nil {
		writeError(w, a.log(), err)
		return
	}
	ts, err := a.Svc.ListTemplates(r.Context(), active != nil && *active)
	if err != nil {
		writeError(w, a.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, listOf(ts))
}

func (a *API) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := a.Svc.GetTemplate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, a.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeBadRequest(w, "invalid_json", ErrInvalidJSON)
		return false
	}
	return true
}
