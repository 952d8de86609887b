package hooks

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gobby-dev/gobby/internal/sessions"
	"github.com/gobby-dev/gobby/internal/store"
	"github.com/gobby-dev/gobby/internal/workflow"
	"github.com/gobby-dev/gobby/pkg/protocol"
)

// initializedVar gates synthesized session_start evaluation for CLIs that
// never emit native session boundaries.
const initializedVar = "_session_initialized"

// Ingress owns the hook path: adapt, resolve the session, synthesize missing
// boundaries, evaluate, and shape the response.
type Ingress struct {
	sessions *sessions.Manager
	engine   *workflow.Engine
	state    store.WorkflowStateStore
	logger   *slog.Logger
}

func NewIngress(sess *sessions.Manager, engine *workflow.Engine, state store.WorkflowStateStore, logger *slog.Logger) *Ingress {
	return &Ingress{sessions: sess, engine: engine, state: state, logger: logger}
}

// Handle processes one raw hook payload from a CLI.
func (in *Ingress) Handle(ctx context.Context, source string, payload map[string]any) (*protocol.HookResponse, error) {
	event, err := AdapterFor(source).Translate(payload)
	if err != nil {
		return nil, err
	}
	return in.HandleEvent(ctx, event)
}

// HandleEvent processes a canonical event.
func (in *Ingress) HandleEvent(ctx context.Context, event *protocol.HookEvent) (*protocol.HookResponse, error) {
	ctx, span := otel.Tracer("gobby").Start(ctx, "hooks.handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("hook.source", event.Source),
		attribute.String("hook.event_type", event.EventType),
	)

	session, _, err := in.sessions.Ensure(ctx, event.SessionID, event.Source)
	if err != nil {
		return nil, err
	}

	in.recordSessionDetails(ctx, session, event)

	// CLIs without native session boundaries get a synthesized
	// session_start on their first substantive event.
	if event.EventType != protocol.EventSessionStart {
		if err := in.ensureInitialized(ctx, event, session); err != nil {
			in.logger.Warn("synthesized session_start failed",
				"session_id", session.ID, "error", err)
		}
	}

	result, err := in.engine.Evaluate(ctx, event, session)
	if err != nil {
		return nil, err
	}

	if event.EventType == protocol.EventSessionStart {
		if err := in.state.SetSessionVar(ctx, session.ID, initializedVar, true); err != nil {
			return nil, err
		}
	}
	if event.EventType == protocol.EventSessionEnd {
		if err := in.sessions.End(ctx, session.ID); err != nil {
			in.logger.Warn("session end failed", "session_id", session.ID, "error", err)
		}
	}

	resp := in.shapeResponse(result)

	// Cooperative self-termination piggybacks on any hook response.
	if resp.Action == "" {
		if terminate, err := in.sessions.ConsumeTerminate(ctx, session.ID); err == nil && terminate {
			resp.Action = "terminate"
		}
	}
	return resp, nil
}

// ensureInitialized runs the session_start triggers exactly once per
// session, gated by the _session_initialized variable.
func (in *Ingress) ensureInitialized(ctx context.Context, event *protocol.HookEvent, session *store.SessionData) error {
	vars, err := in.state.GetSessionVars(ctx, session.ID)
	if err != nil {
		return err
	}
	if done, _ := vars[initializedVar].(bool); done {
		return nil
	}

	synth := &protocol.HookEvent{
		EventType: protocol.EventSessionStart,
		SessionID: session.ID,
		Source:    event.Source,
		Data:      map[string]any{"synthesized": true},
	}
	if _, err := in.engine.Evaluate(ctx, synth, session); err != nil {
		return err
	}
	return in.state.SetSessionVar(ctx, session.ID, initializedVar, true)
}

// recordSessionDetails captures transcript path, project binding, and
// terminal context from payload fields as they appear.
func (in *Ingress) recordSessionDetails(ctx context.Context, session *store.SessionData, event *protocol.HookEvent) {
	if path, ok := event.Data["transcript_path"].(string); ok && path != "" && path != session.TranscriptPath {
		if err := in.sessions.UpdateTranscript(ctx, session.ID, path); err != nil {
			in.logger.Warn("transcript update failed", "session_id", session.ID, "error", err)
		}
	}
	if cwd, ok := event.Data["cwd"].(string); ok && cwd != "" && session.ProjectID == nil {
		if err := in.sessions.BindProject(ctx, session.ID, cwd); err != nil {
			in.logger.Warn("project bind failed", "session_id", session.ID, "error", err)
		}
	}
	if tc, ok := event.Data["terminal_context"].(map[string]any); ok && len(tc) > 0 {
		if err := in.sessions.MergeTerminalContext(ctx, session.ID, tc); err != nil {
			in.logger.Warn("terminal context merge failed", "session_id", session.ID, "error", err)
		}
	}
}

func (in *Ingress) shapeResponse(result *workflow.Result) *protocol.HookResponse {
	resp := &protocol.HookResponse{
		Decision:         result.Decision,
		Context:          result.Context,
		VariablesUpdated: result.VariablesUpdated,
	}
	if len(result.Messages) > 0 {
		resp.Message = result.Messages[0]
		for _, m := range result.Messages[1:] {
			resp.Message += "\n" + m
		}
	}
	if result.Terminate {
		resp.Action = "terminate"
	}
	return resp
}
