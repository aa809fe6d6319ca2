/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/friendsincode/jukebox/internal/audit"
	"github.com/friendsincode/jukebox/internal/auth"
	"github.com/friendsincode/jukebox/internal/events"
	"github.com/friendsincode/jukebox/internal/logbuffer"
	"github.com/friendsincode/jukebox/internal/models"
	"github.com/friendsincode/jukebox/internal/playback"
	"github.com/friendsincode/jukebox/internal/queue"
	"github.com/friendsincode/jukebox/internal/subscription"
)

// Playback is the scheduler surface the API drives.
type Playback interface {
	Snapshot() playback.State
	Skip(ctx context.Context, songID string) (playback.Outcome, error)
}

// PriceSource reports the live song price.
type PriceSource interface {
	CurrentPrice(ctx context.Context) (*uint256.Int, error)
}

// SubscriptionStatus reports listener health.
type SubscriptionStatus interface {
	Status() subscription.Status
}

// AuditTrail lists recorded operational actions.
type AuditTrail interface {
	Query(ctx context.Context, filters audit.QueryFilters) ([]models.AuditLog, int64, error)
}

// Leadership reports whether this instance runs playback.
type Leadership interface {
	IsLeader() bool
}

// Deps are the API collaborators. Subscriptions, Leader, Logs and Audit may be nil.
type Deps struct {
	Playback      Playback
	Songs         queue.Repository
	Prices        PriceSource
	Subscriptions SubscriptionStatus
	Leader        Leadership
	Bus           events.Broker
	Logs          *logbuffer.Buffer
	Audit         AuditTrail
	JWTSecret     []byte
}

// API exposes HTTP handlers.
type API struct {
	playback      Playback
	songs         queue.Repository
	prices        PriceSource
	subscriptions SubscriptionStatus
	leader        Leadership
	bus           events.Broker
	logs          *logbuffer.Buffer
	audit         AuditTrail
	jwtSecret     []byte
	logger        zerolog.Logger
}

// New creates the API router wrapper.
func New(deps Deps, logger zerolog.Logger) *API {
	return &API{
		playback:      deps.Playback,
		songs:         deps.Songs,
		prices:        deps.Prices,
		subscriptions: deps.Subscriptions,
		leader:        deps.Leader,
		bus:           deps.Bus,
		logs:          deps.Logs,
		audit:         deps.Audit,
		jwtSecret:     deps.JWTSecret,
		logger:        logger.With().Str("component", "api").Logger(),
	}
}

// Routes registers the API under /api/v1.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)
		r.Get("/queue", a.handleQueue)
		r.Get("/now-playing", a.handleNowPlaying)
		r.Get("/history", a.handleHistory)
		r.Get("/price", a.handlePrice)
		r.Get("/events", a.handleEvents)

		r.Group(func(pr chi.Router) {
			pr.Use(auth.Middleware(a.jwtSecret))
			pr.With(auth.RequireRole(string(models.RoleAdmin))).Post("/admin/skip", a.handleSkip)
			pr.With(auth.RequireRole(string(models.RoleAdmin), string(models.RoleOperator))).Get("/admin/logs", a.handleLogs)
			pr.With(auth.RequireRole(string(models.RoleAdmin))).Get("/admin/audit", a.handleAudit)
		})
	})
}

func (a *API) isLeader() bool {
	return a.leader == nil || a.leader.IsLeader()
}

// state returns the scheduler view on the leader and the persisted view elsewhere;
// a follower's scheduler is not loaded.
func (a *API) state(ctx context.Context) (playback.State, error) {
	if a.isLeader() {
		return a.playback.Snapshot(), nil
	}
	persisted, err := a.songs.Load(ctx)
	if err != nil {
		return playback.State{}, err
	}
	state := playback.State{Current: persisted.Current, Pending: persisted.Pending}
	if state.Pending == nil {
		state.Pending = []models.Song{}
	}
	if state.Current != nil {
		state.Remaining = state.Current.Remaining(time.Now().UTC())
	}
	return state, nil
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"leader": a.isLeader(),
	}
	if a.subscriptions != nil {
		resp["subscriptions"] = a.subscriptions.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

type queueResponse struct {
	Current          *models.Song  `json:"current"`
	RemainingSeconds int           `json:"remaining_seconds"`
	Pending          []models.Song `json:"pending"`
	Length           int           `json:"length"`
	MaxLength        int           `json:"max_length,omitempty"`
}

func (a *API) handleQueue(w http.ResponseWriter, r *http.Request) {
	state, err := a.state(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("load queue failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, queueResponse{
		Current:          state.Current,
		RemainingSeconds: int(state.Remaining / time.Second),
		Pending:          state.Pending,
		Length:           len(state.Pending),
		MaxLength:        state.MaxLength,
	})
}

func (a *API) handleNowPlaying(w http.ResponseWriter, r *http.Request) {
	state, err := a.state(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("load now playing failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"song":              state.Current,
		"remaining_seconds": int(state.Remaining / time.Second),
	})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = n
	}
	songs, err := a.songs.Recent(r.Context(), limit)
	if err != nil {
		a.logger.Error().Err(err).Msg("load history failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	if songs == nil {
		songs = []models.Song{}
	}
	writeJSON(w, http.StatusOK, songs)
}

func (a *API) handlePrice(w http.ResponseWriter, r *http.Request) {
	price, err := a.prices.CurrentPrice(r.Context())
	if err != nil {
		a.logger.Warn().Err(err).Msg("read price failed")
		writeError(w, http.StatusBadGateway, "price_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"price": price.Dec()})
}

func (a *API) handleSkip(w http.ResponseWriter, r *http.Request) {
	if !a.isLeader() {
		writeError(w, http.StatusServiceUnavailable, "not_leader")
		return
	}

	var req struct {
		SongID string `json:"song_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	outcome, err := a.playback.Skip(r.Context(), req.SongID)
	if err != nil {
		a.logger.Error().Err(err).Str("song_id", req.SongID).Msg("skip failed")
		writeError(w, http.StatusInternalServerError, "skip_failed")
		return
	}

	operator := ""
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		operator = claims.Operator
	}
	a.logger.Info().
		Str("operator", operator).
		Str("reason", string(outcome.Reason)).
		Bool("success", outcome.Success).
		Msg("admin skip")

	if outcome.Success && outcome.Previous != nil {
		a.bus.Publish(events.EventAdminSkip, events.Payload{
			"operator": operator,
			"song_id":  outcome.Previous.ID,
			"tx_hash":  outcome.Previous.TransactionHash,
			"reason":   string(outcome.Reason),
		})
	}

	status := http.StatusOK
	if !outcome.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, outcome)
}

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	if a.logs == nil {
		writeError(w, http.StatusServiceUnavailable, "log_buffer_unavailable")
		return
	}

	q := r.URL.Query()
	params := logbuffer.QueryParams{
		Level:      q.Get("level"),
		Component:  q.Get("component"),
		TxHash:     q.Get("tx_hash"),
		Search:     q.Get("search"),
		Limit:      500,
		Descending: q.Get("order") != "asc",
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_since")
			return
		}
		params.Since = t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		params.Limit = n
	}

	entries := a.logs.Query(params)
	if entries == nil {
		entries = []logbuffer.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
		"stats":   a.logs.Stats(),
	})
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	if a.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit_unavailable")
		return
	}

	q := r.URL.Query()
	filters := audit.QueryFilters{Operator: q.Get("operator")}
	if raw := q.Get("action"); raw != "" {
		action := models.AuditAction(raw)
		filters.Action = &action
	}
	for key, dest := range map[string]**time.Time{"since": &filters.StartTime, "until": &filters.EndTime} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_"+key)
			return
		}
		*dest = &t
	}
	for key, dest := range map[string]*int{"limit": &filters.Limit, "offset": &filters.Offset} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_"+key)
			return
		}
		*dest = n
	}

	entries, total, err := a.audit.Query(r.Context(), filters)
	if err != nil {
		a.logger.Error().Err(err).Msg("query audit log failed")
		writeError(w, http.StatusInternalServerError, "db_error")
		return
	}
	if entries == nil {
		entries = []models.AuditLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   total,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
