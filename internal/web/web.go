package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"groupcal/internal/calsync"
	"groupcal/internal/config"
	"groupcal/internal/ics"
	"groupcal/internal/importer"
	appLog "groupcal/internal/log"
	"groupcal/internal/metrics"
	"groupcal/internal/model"
	"groupcal/internal/store"
)

// Calendar is the controller surface served over HTTP.
type Calendar interface {
	Snapshot() *calsync.Snapshot
	Refresh(ctx context.Context) (*calsync.Snapshot, error)
	CreateEvent(ctx context.Context, groupID string, in model.EventInput) (model.GroupEvent, error)
	DeleteEventByID(ctx context.Context, groupID, eventID string) error
	GetEventsForGroup(ctx context.Context, groupID string) ([]model.GroupEvent, error)
	Subscribe(buffer int) (<-chan *calsync.Snapshot, func())
}

// Importer copies a feed into a group.
type Importer interface {
	Import(ctx context.Context, groupID, location string) (importer.Result, error)
}

// Server provides the HTTP API over the calendar controller.
type Server struct {
	cfg      *config.Config
	cal      Calendar
	importer Importer
	metrics  *metrics.Metrics
	loc      *time.Location
	mux      *http.ServeMux

	// closing is closed when the server starts shutting down so that
	// long-lived streams end instead of holding Shutdown open.
	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer constructs a new Server. imp and m may be nil.
func NewServer(cfg *config.Config, cal Calendar, imp Importer, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:      cfg,
		cal:      cal,
		importer: imp,
		metrics:  m,
		loc:      resolveLocationOrLocal(cfg.Timezone),
		mux:      http.NewServeMux(),
		closing:  make(chan struct{}),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials mean auth is off.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="groupcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Run serves on cfg.Listen until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(s.stopStreams)

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) stopStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/events.ics", s.handleEventsICS)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /api/stream", s.handleStream)
	s.mux.HandleFunc("GET /api/groups/{groupID}/events", s.handleGroupEvents)
	s.mux.HandleFunc("POST /api/groups/{groupID}/events", s.handleCreateEvent)
	s.mux.HandleFunc("DELETE /api/groups/{groupID}/events/{eventID}", s.handleDeleteEvent)
	s.mux.HandleFunc("POST /api/groups/{groupID}/import", s.handleImport)
	s.mux.Handle("GET /metrics", s.metrics.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventDTO is the JSON view of a unified event, with the time shown in the
// display timezone.
type eventDTO struct {
	ID          string    `json:"id"`
	GroupID     string    `json:"group_id"`
	GroupName   string    `json:"group_name,omitempty"`
	Title       string    `json:"title"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Location    string    `json:"location"`
	Description string    `json:"description"`
	Color       string    `json:"color"`
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Events          []eventDTO `json:"events"`
	Generation      uint64     `json:"generation"`
	RefreshedAt     time.Time  `json:"refreshed_at"`
	DisplayTimeZone string     `json:"display_timezone"`
}

func (s *Server) snapshotResponse(snap *calsync.Snapshot) eventsResponse {
	dtos := make([]eventDTO, 0, len(snap.Events))
	for _, ev := range snap.Events {
		dtos = append(dtos, eventDTO{
			ID:          ev.ID,
			GroupID:     ev.GroupID,
			GroupName:   ev.GroupName,
			Title:       ev.Title,
			ScheduledAt: ev.ScheduledAt.In(s.loc),
			Location:    ev.Location,
			Description: ev.Description,
			Color:       ev.Color,
		})
	}
	return eventsResponse{
		Events:          dtos,
		Generation:      snap.Generation,
		RefreshedAt:     snap.RefreshedAt,
		DisplayTimeZone: s.loc.String(),
	}
}

// handleEvents returns the current unified snapshot.
//
// GET /api/events?refresh=1
//   - refresh: run an aggregation pass first instead of serving the last
//     published snapshot.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	snap := s.cal.Snapshot()
	if isTruthy(r.URL.Query().Get("refresh")) {
		fresh, err := s.cal.Refresh(r.Context())
		if err != nil {
			s.writeOpError(w, "refresh", err)
			return
		}
		snap = fresh
	}
	writeJSON(w, http.StatusOK, s.snapshotResponse(snap))
}

// handleEventsICS exports the snapshot as one calendar.
func (s *Server) handleEventsICS(w http.ResponseWriter, _ *http.Request) {
	snap := s.cal.Snapshot()
	stamp := snap.RefreshedAt
	if stamp.IsZero() {
		stamp = time.Now()
	}
	body, err := ics.EncodeUnified(s.cfg.CalendarName, snap.Events, stamp)
	if err != nil {
		appLog.Error("api events.ics: encode failed", err)
		writeError(w, http.StatusInternalServerError, "failed to export calendar")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="groupcal.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cal.Refresh(r.Context())
	if err != nil {
		s.writeOpError(w, "refresh", err)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshotResponse(snap))
}

// handleStream pushes one Server-Sent Event per published snapshot, starting
// with the current one.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, unsubscribe := s.cal.Subscribe(1)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(s.snapshotResponse(snap))
			if err != nil {
				appLog.Error("api stream: marshal failed", err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: snapshot\nid: %d\ndata: %s\n\n", snap.Generation, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleGroupEvents(w http.ResponseWriter, r *http.Request) {
	groupID := r.PathValue("groupID")
	events, err := s.cal.GetEventsForGroup(r.Context(), groupID)
	if err != nil {
		s.writeOpError(w, "group events", err)
		return
	}
	for i := range events {
		events[i].ScheduledAt = events[i].ScheduledAt.In(s.loc)
		events[i].CreatedAt = events[i].CreatedAt.In(s.loc)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"group_id": groupID,
		"events":   events,
	})
}

// createEventRequest is the JSON body of POST /api/groups/{groupID}/events.
type createEventRequest struct {
	Title       string    `json:"title"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Location    string    `json:"location"`
	Description string    `json:"description"`
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	ev, err := s.cal.CreateEvent(r.Context(), r.PathValue("groupID"), model.EventInput{
		Title:       req.Title,
		ScheduledAt: req.ScheduledAt,
		Location:    req.Location,
		Description: req.Description,
	})
	if err != nil {
		s.writeOpError(w, "create", err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	err := s.cal.DeleteEventByID(r.Context(), r.PathValue("groupID"), r.PathValue("eventID"))
	if err != nil {
		s.writeOpError(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type importRequest struct {
	URL string `json:"url"`
}

// handleImport copies a remote http(s) feed into the group. Local paths are
// only accepted from the CLI.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if s.importer == nil {
		writeError(w, http.StatusNotFound, "import is not enabled")
		return
	}
	var req importRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	u, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, "url must be an http(s) URL")
		return
	}

	res, err := s.importer.Import(r.Context(), r.PathValue("groupID"), u.String())
	if err != nil {
		s.writeOpError(w, "import", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeOpError maps controller errors to HTTP statuses.
func (s *Server) writeOpError(w http.ResponseWriter, op string, err error) {
	var perr *store.PersistenceError
	switch {
	case errors.Is(err, calsync.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, calsync.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "calendar is shutting down")
	case errors.As(err, &perr):
		appLog.Error("api "+op+" failed", err, "group_id", perr.GroupID)
		writeError(w, http.StatusInternalServerError, "could not save changes to group "+perr.GroupID+"; check storage and retry")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request canceled before "+op+" finished")
	default:
		appLog.Error("api "+op+" failed", err)
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func resolveLocationOrLocal(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", name)
		return time.Local
	}
	return loc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
