// Package gateway is the HTTP surface: the bridge webhook, the dashboard
// REST API, and the websocket event stream.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/basket/agentflow/internal/bus"
	"github.com/basket/agentflow/internal/directory"
	"github.com/basket/agentflow/internal/engine"
	"github.com/basket/agentflow/internal/otel"
	"github.com/basket/agentflow/internal/persistence"
	"github.com/basket/agentflow/internal/routing"
)

// Submitter is the engine surface the gateway needs.
type Submitter interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (persistence.Task, error)
}

// Config holds the gateway dependencies.
type Config struct {
	Store     *persistence.Store
	Directory *directory.Directory
	Engine    Submitter
	Bus       *bus.Bus
	Logger    *slog.Logger
	Metrics   *otel.Metrics // optional

	// AuthToken, when set, requires `Authorization: Bearer <token>` on
	// every endpoint except /api/health.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser
	// websocket connections. Empty means same-origin only.
	AllowOrigins []string
}

// Server serves the REST API and the event stream.
type Server struct {
	cfg Config

	clientsMu sync.RWMutex
	clients   map[*eventClient]struct{}
}

// New builds a server from cfg.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		clients: map[*eventClient]struct{}{},
	}
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/events", s.handleEvents)
	mux.HandleFunc("/api/health", s.handleHealth)

	mux.HandleFunc("/api/messages/incoming", s.handleIncoming)
	mux.HandleFunc("/api/messages/chat", s.handleChat)

	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/agents/", s.handleAgentByID)
	mux.HandleFunc("/api/teams", s.handleTeams)
	mux.HandleFunc("/api/teams/", s.handleTeamByID)
	mux.HandleFunc("/api/groups", s.handleGroups)
	mux.HandleFunc("/api/groups/", s.handleGroupByID)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)
	mux.HandleFunc("/api/conversations", s.handleConversations)
	mux.HandleFunc("/api/conversations/", s.handleConversationMessages)
	return mux
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && token == s.cfg.AuthToken
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) guard(w http.ResponseWriter, r *http.Request, method string) bool {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	if method != "" && r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	ctx := context.Background()
	dbOK := true
	if _, err := s.cfg.Store.ListAgents(ctx); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":    dbOK,
		"db_ok":      dbOK,
		"ws_clients": s.clientCount(),
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// taskDescriptor is the 202 body for accepted submissions.
type taskDescriptor struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

type incomingRequest struct {
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Message    string `json:"message"`
	Channel    string `json:"channel"`
	GroupID    string `json:"group_id,omitempty"`
}

func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodPost) {
		return
	}
	var req incomingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SenderID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "sender_id and message are required")
		return
	}
	if req.Channel == "" {
		req.Channel = "whatsapp"
	}
	ctx := r.Context()

	// Group guard: messages from unknown or disabled groups are
	// acknowledged and dropped before routing.
	if req.GroupID != "" {
		enabled, err := s.cfg.Store.GroupEnabled(ctx, req.GroupID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !enabled {
			s.cfg.Logger.Debug("ignoring message from disabled group",
				"group_id", req.GroupID, "sender_id", req.SenderID)
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
	}

	s.route(w, r, req, "")
}

type chatRequest struct {
	AgentID string `json:"agent_id"`
	Message string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodPost) {
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AgentID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "agent_id and message are required")
		return
	}
	s.route(w, r, incomingRequest{
		SenderID:   "dashboard",
		SenderName: "Dashboard",
		Message:    req.Message,
		Channel:    engine.ChannelDashboard,
	}, req.AgentID)
}

// route resolves the target agent and submits the task, mapping resolver
// and queue errors to status codes.
func (s *Server) route(w http.ResponseWriter, r *http.Request, req incomingRequest, explicitAgentID string) {
	ctx := r.Context()
	snap, err := s.cfg.Directory.Snapshot(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	agentID, message, err := routing.Resolve(snap, req.Message, req.Channel, req.SenderID, explicitAgentID)
	if err != nil {
		switch {
		case errors.Is(err, routing.ErrUnknownAgent):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, routing.ErrTeamHasNoLeader):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, routing.ErrNoAgents):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	task, err := s.cfg.Engine.Submit(ctx, engine.SubmitRequest{
		AgentID:    agentID,
		SenderID:   req.SenderID,
		SenderName: req.SenderName,
		Channel:    req.Channel,
		GroupID:    req.GroupID,
		RawMessage: message,
	})
	if err != nil {
		if errors.Is(err, engine.ErrQueueSaturated) {
			writeError(w, http.StatusTooManyRequests, "task queue saturated, retry later")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, taskDescriptor{
		TaskID:  task.ID,
		AgentID: task.AgentID,
		Status:  string(task.Status),
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, "") {
		return
	}
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		agents, err := s.cfg.Store.ListAgents(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, agents)
	case http.MethodPost:
		var a persistence.Agent
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := s.cfg.Store.CreateAgent(ctx, a)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, "") {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		a, err := s.cfg.Store.GetAgent(ctx, id)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	case http.MethodPut:
		var a persistence.Agent
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		a.ID = id
		updated, err := s.cfg.Store.UpdateAgent(ctx, a)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := s.cfg.Store.DeleteAgent(ctx, id); err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleTeams(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, "") {
		return
	}
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		teams, err := s.cfg.Store.ListTeams(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, teams)
	case http.MethodPost:
		var t persistence.Team
		if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := s.cfg.Store.CreateTeam(ctx, t)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type teamUpdateRequest struct {
	Name          *string  `json:"name,omitempty"`
	LeaderAgentID *string  `json:"leader_agent_id,omitempty"`
	MemberIDs     []string `json:"member_ids,omitempty"`
}

func (s *Server) handleTeamByID(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, "") {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/teams/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		t, err := s.cfg.Store.GetTeam(ctx, id)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	case http.MethodPut:
		var req teamUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		team, err := s.cfg.Store.GetTeam(ctx, id)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		if req.Name != nil {
			team.Name = *req.Name
		}
		if req.LeaderAgentID != nil {
			team.LeaderAgentID = *req.LeaderAgentID
		}
		updated, err := s.cfg.Store.UpdateTeam(ctx, team)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		if req.MemberIDs != nil {
			for _, agentID := range req.MemberIDs {
				if err := s.cfg.Store.SetAgentTeam(ctx, agentID, id); err != nil {
					s.writeStoreError(w, err)
					return
				}
			}
			updated, err = s.cfg.Store.GetTeam(ctx, id)
			if err != nil {
				s.writeStoreError(w, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := s.cfg.Store.DeleteTeam(ctx, id); err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, "") {
		return
	}
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		groups, err := s.cfg.Store.ListGroups(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, groups)
	case http.MethodPost:
		var g persistence.Group
		if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		saved, err := s.cfg.Store.UpsertGroup(ctx, g)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, saved)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type groupUpdateRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleGroupByID(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, "") {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/groups/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		g, err := s.cfg.Store.GetGroup(ctx, id)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, g)
	case http.MethodPut:
		var req groupUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		g, err := s.cfg.Store.SetGroupEnabled(ctx, id, req.Enabled)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, g)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodGet) {
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(), r.URL.Query().Get("agent_id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodGet) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	task, err := s.cfg.Store.GetTask(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodGet) {
		return
	}
	convs, err := s.cfg.Store.ListConversations(r.Context(), r.URL.Query().Get("agent_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if convs == nil {
		convs = []persistence.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodGet) {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	id, tail, found := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	ctx := r.Context()
	if !found || tail == "" {
		conv, err := s.cfg.Store.GetConversation(ctx, id)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
		return
	}
	if tail != "messages" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if _, err := s.cfg.Store.GetConversation(ctx, id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	msgs, err := s.cfg.Store.ConversationMessages(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []persistence.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persistence.ErrAgentNotFound),
		errors.Is(err, persistence.ErrTeamNotFound),
		errors.Is(err, persistence.ErrGroupNotFound),
		errors.Is(err, persistence.ErrTaskNotFound),
		errors.Is(err, persistence.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("storage: %v", err))
	}
}
