package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"attendance-service/internal/auth"
	"attendance-service/internal/feed"
	"attendance-service/internal/model"
	"attendance-service/internal/service"
	"attendance-service/internal/util"
)

var errBadBody = fmt.Errorf("%w: malformed request body", service.ErrValidation)

// SessionHandler serves the instructor and scanning surfaces.
type SessionHandler struct {
	manager  *service.SessionManager
	verifier *service.ScanVerifier
	roster   service.RosterGate
	hub      *feed.Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewSessionHandler(
	manager *service.SessionManager,
	verifier *service.ScanVerifier,
	roster service.RosterGate,
	hub *feed.Hub,
	allowedOrigins []string,
	logger *zap.Logger,
) *SessionHandler {
	return &SessionHandler{
		manager:  manager,
		verifier: verifier,
		roster:   roster,
		hub:      hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger.Named("http"),
	}
}

// RegisterRoutes mounts request/response routes. The feed is mounted
// separately by RegisterFeed because it must not run under a request timeout.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireRole(auth.RoleInstructor))
		r.Get("/rosters/count", h.CountEligible)
		r.Post("/sessions", h.OpenSession)
		r.Get("/sessions/{sessionID}", h.GetSession)
		r.Post("/sessions/{sessionID}/close", h.CloseSession)
		r.Get("/sessions/{sessionID}/token", h.GetCurrentToken)
		r.Get("/sessions/{sessionID}/events", h.ScanEvents)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireRole(auth.RoleStudent))
		r.Post("/sessions/{sessionID}/scans", h.SubmitScan)
	})
}

func (h *SessionHandler) RegisterFeed(r chi.Router) {
	r.With(auth.RequireRole(auth.RoleInstructor)).Get("/sessions/{sessionID}/feed", h.Feed)
}

type openSessionRequest struct {
	Branch    string `json:"branch"`
	Semester  int    `json:"semester"`
	Section   string `json:"section"`
	SubjectID string `json:"subject_id"`
	Date      string `json:"date"`
}

type scanRequest struct {
	Token string `json:"token"`
}

// CountEligible reports how many students the roster lists for a section.
func (h *SessionHandler) CountEligible(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	branch, section := q.Get("branch"), q.Get("section")
	semester, err := strconv.Atoi(q.Get("semester"))
	if err != nil || !util.IsValidCode(branch) || !util.IsValidCode(section) {
		h.fail(w, fmt.Errorf("%w: branch, semester and section are required", service.ErrValidation), "Invalid roster query")
		return
	}

	count, err := h.roster.CountEligible(r.Context(), branch, semester, section)
	if err != nil {
		h.fail(w, fmt.Errorf("%w: %v", service.ErrRosterUnavailable, err), "Roster lookup failed")
		return
	}

	respondWithJSON(h.logger, w, http.StatusOK, successResponse(map[string]int{"eligible_count": count}, "Roster counted"))
}

// OpenSession resolves the eligible count from the roster and opens the session.
func (h *SessionHandler) OpenSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()
	caller, _ := auth.CallerFrom(ctx)

	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, errBadBody, "Invalid request body")
		return
	}
	if !util.IsValidCode(req.Branch) || !util.IsValidCode(req.Section) {
		h.fail(w, fmt.Errorf("%w: branch and section are required", service.ErrValidation), "Invalid session key")
		return
	}

	count, err := h.roster.CountEligible(ctx, req.Branch, req.Semester, req.Section)
	if err != nil {
		h.fail(w, fmt.Errorf("%w: %v", service.ErrRosterUnavailable, err), "Roster lookup failed")
		return
	}

	session, err := h.manager.OpenSession(ctx, service.OpenRequest{
		Branch:        req.Branch,
		Semester:      req.Semester,
		Section:       req.Section,
		SubjectID:     req.SubjectID,
		Date:          req.Date,
		CreatorID:     caller.UserID,
		EligibleCount: &count,
	})
	if err != nil {
		h.fail(w, err, "Failed to open session")
		return
	}

	respondWithJSON(h.logger, w, http.StatusCreated, successResponse(session, "Session opened"))
	h.logger.Info("Session opened via HTTP",
		util.SessionID(session.ID),
		util.String("creator_id", caller.UserID),
		util.Duration("duration", time.Since(startTime)),
	)
}

func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFrom(r.Context())
	session, err := h.manager.OwnedSession(chi.URLParam(r, "sessionID"), caller.UserID)
	if err != nil {
		h.fail(w, err, "Failed to get session")
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(session, ""))
}

func (h *SessionHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFrom(r.Context())
	session, err := h.manager.CloseSession(r.Context(), chi.URLParam(r, "sessionID"), caller.UserID)
	if err != nil {
		h.fail(w, err, "Failed to close session")
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(session, "Session closed"))
}

// GetCurrentToken is the presenter poll endpoint.
func (h *SessionHandler) GetCurrentToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := auth.CallerFrom(ctx)
	id := chi.URLParam(r, "sessionID")

	if _, err := h.manager.OwnedSession(id, caller.UserID); err != nil {
		h.fail(w, err, "Failed to get token")
		return
	}
	view, err := h.manager.GetCurrentToken(ctx, id)
	if err != nil {
		h.fail(w, err, "Failed to get token")
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(view, ""))
}

func (h *SessionHandler) ScanEvents(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFrom(r.Context())
	id := chi.URLParam(r, "sessionID")

	if _, err := h.manager.OwnedSession(id, caller.UserID); err != nil {
		h.fail(w, err, "Failed to get scan events")
		return
	}
	events, err := h.manager.ScanEvents(id)
	if err != nil {
		h.fail(w, err, "Failed to get scan events")
		return
	}
	if events == nil {
		events = []model.ScanEvent{}
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(events, ""))
}

// SubmitScan answers 200 for both outcomes; a rejection carries its reason.
func (h *SessionHandler) SubmitScan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := auth.CallerFrom(ctx)

	var req scanRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&req); err != nil {
		h.fail(w, errBadBody, "Invalid request body")
		return
	}

	result, err := h.verifier.SubmitScan(ctx, chi.URLParam(r, "sessionID"), caller.UserID, req.Token)
	if err != nil {
		h.fail(w, err, "Scan not processed")
		return
	}

	message := "Attendance recorded"
	if !result.Accepted {
		message = "Scan rejected"
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(result, message))
}

// Feed upgrades to a WebSocket that pushes every rotation of the session.
func (h *SessionHandler) Feed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := auth.CallerFrom(ctx)
	id := chi.URLParam(r, "sessionID")

	session, err := h.manager.OwnedSession(id, caller.UserID)
	if err != nil {
		h.fail(w, err, "Feed unavailable")
		return
	}
	if session.State != model.SessionActive {
		h.fail(w, fmt.Errorf("%w: %s", service.ErrSessionUnavailable, id), "Feed unavailable")
		return
	}
	done, err := h.manager.Done(id)
	if err != nil {
		h.fail(w, err, "Feed unavailable")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", util.SessionID(id), util.ErrorField(err))
		return
	}

	var initial *model.TokenView
	if view, err := h.manager.GetCurrentToken(ctx, id); err == nil {
		initial = &view
	} else if !errors.Is(err, service.ErrSessionUnavailable) {
		h.logger.Warn("Initial token unavailable", util.SessionID(id), util.ErrorField(err))
	}

	h.logger.Debug("Presenter feed connected", util.SessionID(id))
	h.hub.Serve(conn, id, initial, done)
}

func (h *SessionHandler) fail(w http.ResponseWriter, err error, message string) {
	respondWithError(h.logger, w, getStatusCode(err), err, message)
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
