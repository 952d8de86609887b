package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gobby-dev/gobby/internal/bus"
	"github.com/gobby-dev/gobby/internal/store"
	"github.com/gobby-dev/gobby/pkg/protocol"
)

// methodHandler executes one RPC method. Errors map to wire kinds.
type methodHandler func(ctx context.Context, params json.RawMessage) (any, error)

type methodRouter struct {
	server   *Server
	handlers map[string]methodHandler
}

func newMethodRouter(s *Server) *methodRouter {
	r := &methodRouter{server: s, handlers: make(map[string]methodHandler)}

	r.handlers[protocol.MethodConnect] = r.connect
	r.handlers[protocol.MethodHealth] = r.health
	r.handlers[protocol.MethodStatus] = r.status
	r.handlers[protocol.MethodHook] = r.hook

	r.handlers[protocol.MethodToolsInvoke] = r.toolsInvoke
	r.handlers[protocol.MethodToolsList] = r.toolsList

	r.handlers[protocol.MethodSessionsList] = r.sessionsList
	r.handlers[protocol.MethodSessionsGet] = r.sessionsGet

	r.handlers[protocol.MethodAgentsList] = r.agentsList
	r.handlers[protocol.MethodAgentsGet] = r.agentsGet
	r.handlers[protocol.MethodAgentsKill] = r.agentsKill

	r.handlers[protocol.MethodTasksList] = r.tasksList
	r.handlers[protocol.MethodTasksReady] = r.tasksReady

	r.handlers[protocol.MethodPartiesList] = r.partiesList
	r.handlers[protocol.MethodPartiesGet] = r.partiesGet

	r.handlers[protocol.MethodWorkflowsList] = r.workflowsList
	r.handlers[protocol.MethodWorkflowsReload] = r.workflowsReload

	return r
}

func (r *methodRouter) dispatch(ctx context.Context, req *protocol.RequestFrame) *protocol.ResponseFrame {
	handler, ok := r.handlers[req.Method]
	if !ok {
		return protocol.ErrResponse(req.ID, "not_found", fmt.Sprintf("unknown method %q", req.Method))
	}
	payload, err := handler(ctx, req.Params)
	if err != nil {
		return protocol.ErrResponse(req.ID, store.Kind(err), err.Error())
	}
	return protocol.OKResponse(req.ID, payload)
}

func decode[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, fmt.Errorf("params: %v: %w", err, store.ErrInvalidState)
	}
	return v, nil
}

func (r *methodRouter) connect(ctx context.Context, params json.RawMessage) (any, error) {
	return map[string]any{
		"protocol": protocol.ProtocolVersion,
		"name":     "gobby",
	}, nil
}

func (r *methodRouter) health(ctx context.Context, params json.RawMessage) (any, error) {
	return map[string]any{"status": "ok"}, nil
}

func (r *methodRouter) status(ctx context.Context, params json.RawMessage) (any, error) {
	s := r.server
	out := map[string]any{
		"uptime_sec": int(time.Since(s.started).Seconds()),
	}
	if s.sessions != nil {
		if list, err := s.sessions.List(ctx, store.SessionListOpts{Status: store.SessionActive}); err == nil {
			out["active_sessions"] = len(list)
		}
	}
	if s.agents != nil {
		if runs, err := s.agents.List(ctx, store.AgentRunListOpts{Status: store.RunRunning}); err == nil {
			out["running_agents"] = len(runs)
		}
	}
	s.mu.RLock()
	out["connected_clients"] = len(s.clients)
	s.mu.RUnlock()
	return out, nil
}

func (r *methodRouter) hook(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decode[struct {
		Source  string         `json:"source"`
		Payload map[string]any `json:"payload"`
	}](params)
	if err != nil {
		return nil, err
	}
	resp, err := r.server.ingress.Handle(ctx, req.Source, req.Payload)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (r *methodRouter) toolsInvoke(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decode[struct {
		SessionID string         `json:"session_id"`
		Tool      string         `json:"tool"`
		Args      map[string]any `json:"args"`
	}](params)
	if err != nil {
		return nil, err
	}
	return r.server.tools.Dispatch(ctx, req.SessionID, req.Tool, req.Args), nil
}

func (r *methodRouter) toolsList(ctx context.Context, params json.RawMessage) (any, error) {
	return map[string]any{"tools": r.server.tools.List()}, nil
}

func (r *methodRouter) sessionsList(ctx context.Context, params json.RawMessage) (any, error) {
	if r.server.sessions == nil {
		return nil, store.ErrBackendUnavailable
	}
	req, err := decode[struct {
		ProjectID string `json:"project_id"`
		Status    string `json:"status"`
		Limit     int    `json:"limit"`
	}](params)
	if err != nil {
		return nil, err
	}
	list, err := r.server.sessions.List(ctx, store.SessionListOpts{
		ProjectID: req.ProjectID, Status: req.Status, Limit: req.Limit,
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

func (r *methodRouter) sessionsGet(ctx context.Context, params json.RawMessage) (any, error) {
	if r.server.sessions == nil {
		return nil, store.ErrBackendUnavailable
	}
	req, err := decode[struct {
		SessionID string `json:"session_id"`
	}](params)
	if err != nil {
		return nil, err
	}
	s, err := r.server.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *methodRouter) agentsList(ctx context.Context, params json.RawMessage) (any, error) {
	if r.server.agents == nil {
		return nil, store.ErrBackendUnavailable
	}
	req, err := decode[struct {
		ParentSessionID string `json:"parent_session_id"`
		PartyID         string `json:"party_id"`
		Status          string `json:"status"`
		Limit           int    `json:"limit"`
	}](params)
	if err != nil {
		return nil, err
	}
	runs, err := r.server.agents.List(ctx, store.AgentRunListOpts{
		ParentSessionID: req.ParentSessionID,
		PartyID:         req.PartyID,
		Status:          req.Status,
		Limit:           req.Limit,
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

func (r *methodRouter) agentsGet(ctx context.Context, params json.RawMessage) (any, error) {
	if r.server.agents == nil {
		return nil, store.ErrBackendUnavailable
	}
	req, err := decode[struct {
		RunID string `json:"run_id"`
	}](params)
	if err != nil {
		return nil, err
	}
	run, err := r.server.agents.Get(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (r *methodRouter) agentsKill(ctx context.Context, params json.RawMessage) (any, error) {
	if r.server.agents == nil {
		return nil, store.ErrBackendUnavailable
	}
	req, err := decode[struct {
		RunID      string `json:"run_id"`
		TimeoutSec int    `json:"timeout_sec"`
	}](params)
	if err != nil {
		return nil, err
	}
	kr, err := r.server.agents.Kill(ctx, req.RunID, req.TimeoutSec)
	if err != nil {
		return nil, err
	}
	return kr, nil
}

func (r *methodRouter) tasksList(ctx context.Context, params json.RawMessage) (any, error) {
	if r.server.graph == nil {
		return nil, store.ErrBackendUnavailable
	}
	req, err := decode[struct {
		ProjectID string `json:"project_id"`
		Status    string `json:"status"`
		ParentID  string `json:"parent_id"`
	}](params)
	if err != nil {
		return nil, err
	}
	list, err := r.server.graph.List(ctx, store.TaskListOpts{
		ProjectID: req.ProjectID, Status: req.Status, ParentID: req.ParentID,
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

func (r *methodRouter) tasksReady(ctx context.Context, params json.RawMessage) (any, error) {
	if r.server.graph == nil {
		return nil, store.ErrBackendUnavailable
	}
	req, err := decode[struct {
		ProjectID string `json:"project_id"`
	}](params)
	if err != nil {
		return nil, err
	}
	ready, err := r.server.graph.Ready(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	return ready, nil
}

func (r *methodRouter) partiesList(ctx context.Context, params json.RawMessage) (any, error) {
	if r.server.parties == nil {
		return nil, store.ErrBackendUnavailable
	}
	req, err := decode[struct {
		ProjectID string `json:"project_id"`
		Limit     int    `json:"limit"`
	}](params)
	if err != nil {
		return nil, err
	}
	list, err := r.server.parties.List(ctx, req.ProjectID, req.Limit)
	if err != nil {
		return nil, err
	}
	return list, nil
}

func (r *methodRouter) partiesGet(ctx context.Context, params json.RawMessage) (any, error) {
	if r.server.parties == nil {
		return nil, store.ErrBackendUnavailable
	}
	req, err := decode[struct {
		PartyID string `json:"party_id"`
	}](params)
	if err != nil {
		return nil, err
	}
	p, members, err := r.server.parties.Status(ctx, req.PartyID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"party": p, "members": members}, nil
}

func (r *methodRouter) workflowsList(ctx context.Context, params json.RawMessage) (any, error) {
	if r.server.loader == nil {
		return nil, store.ErrBackendUnavailable
	}
	defs := r.server.loader.All()
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	return map[string]any{"workflows": names}, nil
}

func (r *methodRouter) workflowsReload(ctx context.Context, params json.RawMessage) (any, error) {
	if r.server.loader == nil {
		return nil, store.ErrBackendUnavailable
	}
	if err := r.server.loader.Reload(); err != nil {
		return nil, err
	}
	names := make([]string, 0)
	for _, def := range r.server.loader.All() {
		names = append(names, def.Name)
	}
	r.server.events.Broadcast(bus.Event{
		Name:    protocol.EventWorkflowsReloaded,
		Payload: map[string]any{"workflows": names},
	})
	return map[string]any{"reloaded": true, "workflows": names}, nil
}
