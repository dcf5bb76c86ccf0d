package sipbridge

import (
	"context"
	"encoding/json"
	"net/http"
)

// API is the bridge's HTTP status and control surface.
type API struct {
	ctrl *Controller
}

// NewAPI creates the HTTP surface for a controller.
func NewAPI(ctrl *Controller) *API {
	return &API{ctrl: ctrl}
}

// Register adds the bridge routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.health)
	mux.HandleFunc("GET /devices", a.devices)
	mux.HandleFunc("GET /calls", a.calls)
	mux.HandleFunc("POST /devices/{id}/register", a.registerDevice)
	mux.HandleFunc("POST /devices/{id}/unregister", a.unregisterDevice)
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"registered_devices": a.ctrl.registrar.RegisteredCount(),
		"active_calls":       len(a.ctrl.ActiveCalls()),
		"guardian_active":    a.ctrl.GuardianActive(),
	})
}

func (a *API) devices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.ctrl.registrar.Snapshot())
}

func (a *API) calls(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.ctrl.ActiveCalls())
}

// registerDevice registers a configured extension by id. Re-registering a
// live extension is rejected; callers unregister first.
func (a *API) registerDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing device id")
		return
	}
	device, err := a.ctrl.store.GetSipDevice(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	if a.ctrl.registrar.Known(id) {
		writeError(w, http.StatusBadRequest, "device already registered")
		return
	}
	if err := a.ctrl.registrar.AddDevice(r.Context(), *device); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registering"})
}

func (a *API) unregisterDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing device id")
		return
	}
	// RemoveDevice is a no-op for unknown ids; distinguish for the caller.
	if !a.ctrl.registrar.Known(id) {
		writeError(w, http.StatusNotFound, "device not registered")
		return
	}
	a.ctrl.registrar.RemoveDevice(context.WithoutCancel(r.Context()), id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "unregistered"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
