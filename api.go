package main

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grasplet-dashboard/exporter/config"
	"github.com/grasplet-dashboard/exporter/grasplet"
	"github.com/grasplet-dashboard/exporter/poller"
	"github.com/grasplet-dashboard/exporter/sensor"
	"github.com/grasplet-dashboard/exporter/setup"
)

var indexTemplate = template.Must(template.New("index").Parse(`<html>
<head><title>Grasplet SIM Exporter</title></head>
<body>
<h1>Grasplet SIM Exporter</h1>
<p>Version: {{.Version}}</p>
<p>API: {{.URL}}</p>
<ul>
{{range .Entries}}<li>{{.Title}}: {{if .Available}}ok{{else if .AuthFailed}}authentication failed{{else}}unavailable{{end}}, {{if .Fetched}}{{.SIMCount}} SIMs{{else}}not fetched yet{{end}}</li>
{{end}}</ul>
<p><a href="{{.MetricsPath}}">Metrics</a> | <a href="/api/sensors">Sensors</a></p>
</body>
</html>`))

type server struct {
	cfg      *config.Config
	store    *config.Store
	registry *poller.Registry
	wizard   *setup.Wizard
}

// sensorState is one entity as served by /api/sensors.
type sensorState struct {
	EntryID     string        `json:"entry_id"`
	UniqueID    string        `json:"unique_id"`
	Name        string        `json:"name"`
	Device      sensor.Device `json:"device"`
	Icon        string        `json:"icon"`
	Unit        string        `json:"unit,omitempty"`
	DeviceClass string        `json:"device_class,omitempty"`
	StateClass  string        `json:"state_class,omitempty"`
	Precision   *int          `json:"precision,omitempty"`
	Available   bool          `json:"available"`
	State       any           `json:"state"`
}

type entryResponse struct {
	ID                string `json:"id"`
	Title             string `json:"title"`
	Username          string `json:"username"`
	Password          string `json:"password"`
	PollIntervalHours int    `json:"poll_interval_hours"`
	Available         bool   `json:"available"`
	AuthFailed        bool   `json:"authentication_failed"`
	Fetched           bool   `json:"fetched"`
	LastError         string `json:"last_error,omitempty"`
}

type errorResponse struct {
	Error  string           `json:"error,omitempty"`
	Reason string           `json:"reason,omitempty"`
	Errors setup.FormErrors `json:"errors,omitempty"`
}

func newRouter(cfg *config.Config, store *config.Store, registry *poller.Registry, wizard *setup.Wizard) http.Handler {
	s := &server{cfg: cfg, store: store, registry: registry, wizard: wizard}

	mux := http.NewServeMux()
	mux.Handle("GET "+cfg.Server.MetricsPath, promhttp.Handler())
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /api/sensors", s.sensors)
	mux.HandleFunc("GET /api/entries", s.listEntries)
	mux.HandleFunc("POST /api/entries", s.createEntry)
	mux.HandleFunc("PUT /api/entries/{id}", s.reconfigureEntry)
	mux.HandleFunc("DELETE /api/entries/{id}", s.removeEntry)
	mux.HandleFunc("GET /{$}", s.index)
	return mux
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	if !s.registry.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("UNAVAILABLE"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *server) index(w http.ResponseWriter, r *http.Request) {
	var entries []poller.Status
	for _, runner := range s.registry.Runners() {
		entries = append(entries, runner.Status())
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := indexTemplate.Execute(w, map[string]any{
		"Version":     version,
		"URL":         s.cfg.Grasplet.URL,
		"MetricsPath": s.cfg.Server.MetricsPath,
		"Entries":     entries,
	})
	if err != nil {
		log.Errorf("Failed to render index: %v", err)
	}
}

func (s *server) sensors(w http.ResponseWriter, r *http.Request) {
	states := []sensorState{}
	for _, runner := range s.registry.Runners() {
		sims, _ := runner.Snapshot()
		for _, e := range sensor.Entities(sims) {
			reading := sensor.Read(runner, e)
			state := sensorState{
				EntryID:     runner.ID(),
				UniqueID:    e.UniqueID,
				Name:        e.Name,
				Device:      e.Device,
				Icon:        e.Field.Icon,
				Unit:        e.Field.Unit,
				DeviceClass: e.Field.DeviceClass,
				StateClass:  e.Field.StateClass,
				Available:   reading.Available,
			}
			if p := e.Field.Precision; p >= 0 {
				state.Precision = &p
			}
			if reading.Known {
				state.State = reading.Value
			}
			states = append(states, state)
		}
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *server) listEntries(w http.ResponseWriter, r *http.Request) {
	entries := []entryResponse{}
	for _, entry := range s.store.List() {
		entries = append(entries, s.entryResponse(entry))
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *server) createEntry(w http.ResponseWriter, r *http.Request) {
	var creds grasplet.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	entry, formErrs, err := s.wizard.Create(r.Context(), creds)
	if formErrs != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Errors: formErrs})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.entryResponse(entry))
}

func (s *server) reconfigureEntry(w http.ResponseWriter, r *http.Request) {
	var creds grasplet.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	entry, reason, err := s.wizard.Reconfigure(r.Context(), r.PathValue("id"), creds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		entryResponse
		Reason string `json:"reason"`
	}{s.entryResponse(entry), reason})
}

func (s *server) removeEntry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Remove(id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry.Remove(id); err != nil {
		log.Warningf("Entry %s had no running poller: %v", id, err)
	}
	log.Infof("Removed entry %s", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) entryResponse(entry config.Entry) entryResponse {
	resp := entryResponse{
		ID:                entry.ID,
		Title:             entry.Title,
		Username:          entry.Credentials.Username,
		Password:          config.MaskPassword(entry.Credentials.Password),
		PollIntervalHours: entry.Credentials.PollIntervalHours,
	}
	if runner, ok := s.registry.Get(entry.ID); ok {
		status := runner.Status()
		resp.Available = status.Available
		resp.AuthFailed = status.AuthFailed
		resp.Fetched = status.Fetched
		resp.LastError = status.LastError
	}
	return resp
}

func writeError(w http.ResponseWriter, err error) {
	var abort *setup.AbortError
	switch {
	case errors.Is(err, config.ErrEntryNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.As(err, &abort):
		status := http.StatusBadRequest
		if abort.Reason == "already_configured" {
			status = http.StatusConflict
		}
		writeJSON(w, status, errorResponse{Reason: abort.Reason})
	default:
		log.Errorf("Request failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Failed to encode response: %v", err)
	}
}
