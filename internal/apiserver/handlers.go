package apiserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coldbell/clawars/backend/internal/domain"
	"github.com/coldbell/clawars/backend/internal/feed"
	"github.com/coldbell/clawars/backend/internal/ingest"
	"github.com/coldbell/clawars/backend/internal/journal"
	"github.com/coldbell/clawars/backend/internal/logging"
	"github.com/coldbell/clawars/backend/internal/mirror"
	"github.com/coldbell/clawars/backend/internal/risk"
	"github.com/coldbell/clawars/backend/internal/scheduler"
)

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	OK bool `json:"ok"`
}

type ingestResponse struct {
	AgentID    string    `json:"agent_id"`
	Version    uint64    `json:"version"`
	AcceptedAt time.Time `json:"accepted_at"`
}

type statusChangeRequest struct {
	Reason string `json:"reason"`
}

type statusResponse struct {
	StartedAt time.Time                  `json:"started_at"`
	Agents    map[domain.AgentStatus]int `json:"agents"`
	Ingest    ingest.Stats               `json:"ingest"`
	Feed      feed.Stats                 `json:"feed"`
	Risk      risk.Stats                 `json:"risk"`
	Ranking   rankingStatus              `json:"ranking"`
	Jobs      []scheduler.JobStats       `json:"jobs"`
	Journal   *journal.Stats             `json:"journal,omitempty"`
	Mirror    *mirror.Stats              `json:"mirror,omitempty"`
}

type rankingStatus struct {
	Runs       uint64                         `json:"runs"`
	LastRun    time.Time                      `json:"last_run"`
	Timeframes map[domain.Timeframe]time.Time `json:"timeframes"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

func (s *Service) handleAgentsRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.respondJSON(w, http.StatusOK, s.gateway.ListAgents())
	case http.MethodPost:
		s.handleRegisterAgent(w, r)
	default:
		s.respondMethodNotAllowed(w)
	}
}

func (s *Service) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var input domain.RegisterAgentInput
	if err := decodeJSONBody(r, &input); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := s.store.Register(input)
	if err != nil {
		s.respondDomainError(w, err, "register agent")
		return
	}
	agentID := snap.Agent.ID
	if s.recorder != nil {
		s.recorder.RecordAgent(snap)
	}
	s.risk.MarkDirty(agentID)
	s.hub.Publish(feed.AgentChannel(agentID), domain.Envelope{
		Type:      domain.EnvelopeStatus,
		AgentID:   agentID,
		Payload:   snap.Agent,
		Timestamp: snap.UpdatedAt,
		Version:   snap.Version,
	})
	logging.Agent(s.logger, agentID).Info("agent registered", "strategy", snap.Agent.StrategyName)
	s.respondJSON(w, http.StatusCreated, snap.Agent)
}

func (s *Service) handleAgentsSubroutes(w http.ResponseWriter, r *http.Request) {
	agentID, tail := splitAgentSubroute(r.URL.Path)
	if agentID == "" {
		s.respondError(w, http.StatusNotFound, "agent id is required")
		return
	}

	switch tail {
	case "":
		if r.Method != http.MethodGet {
			s.respondMethodNotAllowed(w)
			return
		}
		dashboard, err := s.gateway.Dashboard(agentID)
		if err != nil {
			s.respondDomainError(w, err, "get agent")
			return
		}
		s.respondJSON(w, http.StatusOK, dashboard.Agent)

	case "dashboard":
		if r.Method != http.MethodGet {
			s.respondMethodNotAllowed(w)
			return
		}
		dashboard, err := s.gateway.Dashboard(agentID)
		if err != nil {
			s.respondDomainError(w, err, "get dashboard")
			return
		}
		s.respondJSON(w, http.StatusOK, dashboard)

	case "events":
		if r.Method != http.MethodPost {
			s.respondMethodNotAllowed(w)
			return
		}
		s.handleIngest(w, r, agentID)

	case "pause", "resume":
		if r.Method != http.MethodPost {
			s.respondMethodNotAllowed(w)
			return
		}
		next := domain.AgentPaused
		if tail == "resume" {
			next = domain.AgentActive
		}
		s.handleStatusChange(w, r, agentID, next)

	default:
		s.respondError(w, http.StatusNotFound, "not found")
	}
}

func (s *Service) handleIngest(w http.ResponseWriter, r *http.Request, agentID string) {
	if !s.store.Exists(agentID) {
		s.respondDomainError(w, fmt.Errorf("%w: %s", domain.ErrUnknownAgent, agentID), "ingest event")
		return
	}
	var raw domain.RawEvent
	if err := decodeJSONBody(r, &raw); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	event, err := domain.DecodeEvent(raw)
	if err != nil {
		s.respondDomainError(w, err, "ingest event")
		return
	}
	res, err := s.queue.Submit(r.Context(), agentID, event)
	if err != nil {
		s.respondDomainError(w, err, "ingest event")
		return
	}
	out := ingestResponse{AgentID: agentID, AcceptedAt: time.Now().UTC()}
	if res.Snapshot != nil {
		out.Version = res.Snapshot.Version
	}
	s.respondJSON(w, http.StatusAccepted, out)
}

func (s *Service) handleStatusChange(w http.ResponseWriter, r *http.Request, agentID string, next domain.AgentStatus) {
	var request statusChangeRequest
	if r.ContentLength > 0 {
		if err := decodeJSONBody(r, &request); err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	res, err := s.queue.SetStatus(r.Context(), agentID, next, strings.TrimSpace(request.Reason))
	if err != nil {
		s.respondDomainError(w, err, "change agent status")
		return
	}
	if res.Snapshot == nil {
		s.respondError(w, http.StatusInternalServerError, "failed to change agent status")
		return
	}
	logging.Agent(s.logger, agentID).Info("agent status changed", "status", next)
	s.respondJSON(w, http.StatusOK, res.Snapshot.Agent)
}

func (s *Service) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	board, err := s.gateway.Leaderboard(r.URL.Query().Get("timeframe"), limit, offset)
	if err != nil {
		s.respondDomainError(w, err, "get leaderboard")
		return
	}
	s.respondJSON(w, http.StatusOK, board)
}

func (s *Service) handleAggregatedRisk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.respondJSON(w, http.StatusOK, s.gateway.AggregatedRisk())
}

func (s *Service) handleSignals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, s.gateway.RecentSignals(limit))
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	counts := map[domain.AgentStatus]int{
		domain.AgentActive:  0,
		domain.AgentPaused:  0,
		domain.AgentError:   0,
		domain.AgentOffline: 0,
	}
	for _, agent := range s.gateway.ListAgents() {
		counts[agent.Status]++
	}

	ranked := rankingStatus{
		Runs:       s.ranking.Runs(),
		LastRun:    s.ranking.LastRun(),
		Timeframes: make(map[domain.Timeframe]time.Time, len(domain.Timeframes)),
	}
	for _, tf := range domain.Timeframes {
		if board, err := s.ranking.Snapshot(tf); err == nil && board != nil {
			ranked.Timeframes[tf] = board.GeneratedAt
		}
	}

	out := statusResponse{
		StartedAt: s.startedAt,
		Agents:    counts,
		Ingest:    s.queue.Stats(),
		Feed:      s.hub.Stats(),
		Risk:      s.risk.Stats(),
		Ranking:   ranked,
		Jobs:      s.scheduler.Stats(),
	}
	if s.recorder != nil {
		stats := s.recorder.Stats()
		out.Journal = &stats
	}
	if s.mirror != nil {
		stats := s.mirror.Stats()
		out.Mirror = &stats
	}
	s.respondJSON(w, http.StatusOK, out)
}

// respondDomainError maps the domain error taxonomy onto HTTP status codes.
func (s *Service) respondDomainError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, domain.ErrUnknownAgent), errors.Is(err, domain.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrMalformedEvent), errors.Is(err, domain.ErrInvalidTimeframe):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrTransientIngest):
		w.Header().Set("Retry-After", "1")
		s.respondError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, domain.ErrAgentExists), errors.Is(err, domain.ErrInvalidTransition):
		s.respondError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(op+" failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func parseOptionalInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("invalid %s: must be >= 0", key)
	}
	return value, nil
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}

func decodeJSONBody(r *http.Request, destination any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(destination); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != io.EOF {
		return fmt.Errorf("invalid request body: multiple JSON values")
	}
	return nil
}

func splitAgentSubroute(path string) (string, string) {
	trimmed := strings.Trim(strings.TrimPrefix(path, "/api/v1/agents/"), "/")
	if trimmed == "" {
		return "", ""
	}
	segments := strings.Split(trimmed, "/")
	agentID := strings.TrimSpace(segments[0])
	if len(segments) == 1 {
		return agentID, ""
	}
	return agentID, strings.Join(segments[1:], "/")
}
