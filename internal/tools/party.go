package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gobby-dev/gobby/internal/party"
)

// RegisterPartyTools wires the party/ namespace onto the scheduler.
func RegisterPartyTools(r *Registry, sched *party.Scheduler) {
	r.Register("party/create_party_definition", "Save a reusable party definition",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			def, err := partyDefinition(args, "definition")
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			if def == nil {
				inline, err := partyDefinitionFromArgs(args)
				if err != nil {
					return ErrorResult("").WithError(err)
				}
				def = inline
			}
			if err := sched.SaveDefinition(*def); err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult("saved definition "+def.Name, def)
		})

	r.Register("party/launch_party", "Launch a party of coordinated agents",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			def, err := partyDefinition(args, "definition")
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			p, err := sched.Launch(ctx, party.LaunchOpts{
				DefinitionName:  argString(args, "name"),
				Definition:      def,
				LeaderSessionID: sessionID,
				ProjectID:       argString(args, "project_id"),
				TaskID:          argString(args, "task_id"),
			})
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult("launched party "+p.ID, p)
		})

	r.Register("party/get_party_status", "Show a party and its member states",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			p, members, err := sched.Status(ctx, argString(args, "party_id"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			payload := map[string]any{"party": p, "members": members}
			return DataResult(fmt.Sprintf("party %s is %s (%d members)", p.ID, p.Status, len(members)), payload)
		})

	r.Register("party/list_parties", "List parties for a project",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			list, err := sched.List(ctx, argString(args, "project_id"), argInt(args, "limit"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return DataResult(fmt.Sprintf("%d parties", len(list)), list)
		})

	r.Register("party/signal_role", "Resume or stop the members of one role",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			err := sched.SignalRole(ctx, argString(args, "party_id"),
				argString(args, "role"), argString(args, "action"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return NewResult("signal delivered")
		})

	r.Register("party/override_recovery", "Change a role's crash recovery at runtime",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			err := sched.OverrideRecovery(ctx, argString(args, "party_id"),
				argString(args, "role"), argString(args, "on_crash"), argInt(args, "retry_attempts"))
			if err != nil {
				return ErrorResult("").WithError(err)
			}
			return NewResult("recovery updated")
		})

	r.Register("party/cancel_party", "Cancel a party, killing its running members",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			if err := sched.Cancel(ctx, argString(args, "party_id")); err != nil {
				return ErrorResult("").WithError(err)
			}
			return NewResult("party cancelled")
		})
}

// partyDefinition decodes an inline definition object from the args, keyed
// under name. Returns nil when absent.
func partyDefinition(args map[string]any, key string) (*party.Definition, error) {
	raw := argMap(args, key)
	if raw == nil {
		return nil, nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var def party.Definition
	if err := json.Unmarshal(buf, &def); err != nil {
		return nil, fmt.Errorf("party definition: %w", err)
	}
	return &def, nil
}

// partyDefinitionFromArgs accepts the flattened shape where name, roles, and
// dependencies sit at the top level of the tool call.
func partyDefinitionFromArgs(args map[string]any) (*party.Definition, error) {
	buf, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var def party.Definition
	if err := json.Unmarshal(buf, &def); err != nil {
		return nil, fmt.Errorf("party definition: %w", err)
	}
	return &def, nil
}
