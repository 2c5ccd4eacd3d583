// Package web exposes the cache and subscription store over HTTP.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"classcal/internal/cache"
	"classcal/internal/config"
	appLog "classcal/internal/log"
	"classcal/internal/model"
	"classcal/internal/notify"
)

// Server wires the HTTP routes to the cache store and the subscription
// store.
type Server struct {
	cfg    *config.Config
	store  *cache.Store
	subs   *notify.Store
	router chi.Router
}

func NewServer(cfg *config.Config, store *cache.Store, subs *notify.Store) *Server {
	s := &Server{cfg: cfg, store: store, subs: subs}
	s.router = s.routes()
	return s
}

// Handler returns the root handler, wrapped in basic auth when
// configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/calendar.ics", s.handleExport)

	r.Route("/api", func(r chi.Router) {
		r.Get("/events", s.handleEvents)
		r.Get("/status", s.handleStatus)
		r.Post("/refresh", s.handleRefresh)
		r.Get("/today/digest", s.handleDigest)

		r.Get("/subscriptions", s.handleListSubscriptions)
		r.Post("/subscriptions", s.handleAddSubscription)
		r.Delete("/subscriptions/{id}", s.handleRemoveSubscription)
	})
	return r
}

func (s *Server) basicAuthEnabled() bool {
	ba := s.cfg.BasicAuth
	return ba != nil && ba.Username != "" && ba.Password != ""
}

// basicAuthMiddleware protects everything except /health.
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
			w.Header().Set("WWW-Authenticate", `Basic realm="classcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventsResponse is the JSON shape for /api/events.
type eventsResponse struct {
	Occurrences []model.Occurrence `json:"occurrences"`
	BuiltAt     time.Time          `json:"built_at"`
	BuiltForDay string             `json:"built_for_day"`
}

// handleEvents serves the three query forms:
//
//	GET /api/events                     full recent window
//	GET /api/events?section=3B          today's indexed bucket
//	GET /api/events?section=3B&date=... legacy date+substring filter
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	section := q.Get("section")
	date := q.Get("date")

	if section == "" && date != "" {
		writeError(w, http.StatusBadRequest, "date filter requires section")
		return
	}

	snap, err := s.store.Snapshot()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	occurrences := snap.Recent
	switch {
	case section != "" && date != "":
		if _, perr := time.Parse("2006-01-02", date); perr != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		occurrences, err = s.store.QueryBySectionAndDate(section, date)
	case section != "":
		occurrences, err = s.store.QueryBySection(section)
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if occurrences == nil {
		occurrences = []model.Occurrence{}
	}

	writeJSON(w, http.StatusOK, eventsResponse{
		Occurrences: occurrences,
		BuiltAt:     snap.BuiltAt,
		BuiltForDay: snap.BuiltForDay,
	})
}

type statusResponse struct {
	State       string `json:"state"`
	Occurrences int    `json:"occurrences"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	state, count := s.store.Status()
	writeJSON(w, http.StatusOK, statusResponse{State: string(state), Occurrences: count})
}

// handleRefresh runs a synchronous rebuild. A rebuild already in flight
// is reported, not queued.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	err := s.store.Rebuild(r.Context())
	switch {
	case errors.Is(err, cache.ErrRebuildInFlight):
		writeError(w, http.StatusConflict, "rebuild already in progress")
	case err != nil:
		writeError(w, http.StatusBadGateway, "rebuild failed")
	default:
		state, count := s.store.Status()
		writeJSON(w, http.StatusOK, statusResponse{State: string(state), Occurrences: count})
	}
}

// handleDigest exposes today's occurrences with their extracted routing
// tokens, for external matching/delivery components.
func (s *Server) handleDigest(w http.ResponseWriter, _ *http.Request) {
	snap, err := s.store.Snapshot()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	entries := notify.Digest(snap)
	if entries == nil {
		entries = []notify.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleExport re-serializes the recent window as an ICS feed, so the
// filtered calendar can be subscribed to from calendar clients.
func (s *Server) handleExport(w http.ResponseWriter, _ *http.Request) {
	snap, err := s.store.Snapshot()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	for _, occ := range snap.Recent {
		ev := cal.AddEvent(occ.ID)
		ev.SetDtStampTime(snap.BuiltAt)
		ev.SetSummary(occ.Summary)
		if occ.Description != "" {
			ev.SetDescription(occ.Description)
		}
		if occ.AllDay {
			ev.SetAllDayStartAt(occ.Start)
			ev.SetAllDayEndAt(occ.Start.AddDate(0, 0, 1))
		} else {
			ev.SetStartAt(occ.Start)
			ev.SetEndAt(occ.End)
		}
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(cal.Serialize()))
}

type subscriptionRequest struct {
	Channel string `json:"channel"`
	Token   string `json:"token"`
	Section string `json:"section"`
}

func (s *Server) handleAddSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sub, err := s.subs.Add(r.Context(), notify.ChannelKind(req.Channel), req.Token, req.Section)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleRemoveSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.subs.Remove(r.Context(), id); err != nil {
		appLog.Error("subscription delete failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.subs.All(r.Context())
	if err != nil {
		appLog.Error("subscription list failed", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if subs == nil {
		subs = []notify.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

// writeStoreError maps cache errors onto HTTP statuses. Not-ready is a
// 503 with Retry-After so callers distinguish "try again" from "no
// events".
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, cache.ErrNotReady) {
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "snapshot not built yet")
		return
	}
	appLog.Error("snapshot read failed", err)
	writeError(w, http.StatusInternalServerError, "internal error")
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
