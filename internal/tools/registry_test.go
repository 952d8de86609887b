package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/gobby-dev/gobby/internal/store"
)

func testRegistry(t *testing.T, maxInput int) *Registry {
	t.Helper()
	return NewRegistry(maxInput, slog.New(slog.DiscardHandler))
}

func TestDispatchSuccess(t *testing.T) {
	r := testRegistry(t, 0)
	r.Register("demo/echo", "echo args back",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			return DataResult("echoed", map[string]any{"session": sessionID, "got": args["x"]})
		})

	res := r.Dispatch(context.Background(), "sess-1", "demo/echo", map[string]any{"x": "y"})
	if res.IsError {
		t.Fatalf("unexpected error: %+v", res)
	}
	data := res.Data.(map[string]any)
	if data["session"] != "sess-1" || data["got"] != "y" {
		t.Errorf("data = %v", data)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	r := testRegistry(t, 0)
	res := r.Dispatch(context.Background(), "sess-1", "demo/nope", nil)
	if !res.IsError || res.ErrorKind != "not_found" {
		t.Fatalf("result = %+v", res)
	}
}

func TestDispatchInputCap(t *testing.T) {
	r := testRegistry(t, 64)
	r.Register("demo/echo", "",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			return NewResult("ok")
		})

	res := r.Dispatch(context.Background(), "sess-1", "demo/echo",
		map[string]any{"blob": strings.Repeat("a", 200)})
	if !res.IsError || res.ErrorKind != "input_too_large" {
		t.Fatalf("result = %+v", res)
	}
}

func TestDispatchMapsErrorKinds(t *testing.T) {
	cases := []struct {
		err  error
		kind string
	}{
		{fmt.Errorf("task gone: %w", store.ErrNotFound), "not_found"},
		{fmt.Errorf("bad move: %w", store.ErrInvalidState), "invalid_state"},
		{fmt.Errorf("raced: %w", store.ErrConflict), "conflict"},
		{fmt.Errorf("boom"), "internal"},
	}
	for _, tc := range cases {
		r := testRegistry(t, 0)
		r.Register("demo/fail", "",
			func(ctx context.Context, sessionID string, args map[string]any) *Result {
				return ErrorResult("").WithError(tc.err)
			})
		res := r.Dispatch(context.Background(), "sess-1", "demo/fail", nil)
		if !res.IsError || res.ErrorKind != tc.kind {
			t.Errorf("err %v: kind = %q, want %q", tc.err, res.ErrorKind, tc.kind)
		}
		if res.ForLLM == "" {
			t.Errorf("err %v: empty for_llm", tc.err)
		}
	}
}

func TestDispatchAttachesTerminateAction(t *testing.T) {
	r := testRegistry(t, 0)
	pending := true
	r.SetTerminateCheck(func(ctx context.Context, sessionID string) (bool, error) {
		was := pending
		pending = false
		return was, nil
	})
	r.Register("demo/noop", "",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			return NewResult("ok")
		})

	res := r.Dispatch(context.Background(), "sess-1", "demo/noop", nil)
	if res.Action != "terminate" {
		t.Fatalf("first response action = %q", res.Action)
	}
	res = r.Dispatch(context.Background(), "sess-1", "demo/noop", nil)
	if res.Action != "" {
		t.Fatalf("flag not consumed, action = %q", res.Action)
	}
}

func TestInvokeAdaptsResults(t *testing.T) {
	r := testRegistry(t, 0)
	r.Register("demo/data", "",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			return DataResult("summary", map[string]any{"n": 3})
		})
	r.Register("demo/text", "",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			return NewResult("plain text")
		})
	r.Register("demo/fail", "",
		func(ctx context.Context, sessionID string, args map[string]any) *Result {
			return ErrorResult("").WithError(store.ErrNotFound)
		})

	got, err := r.Invoke(context.Background(), "sess-1", "demo/data", nil)
	if err != nil {
		t.Fatal(err)
	}
	if m := got.(map[string]any); m["n"] != 3 {
		t.Errorf("data = %v", got)
	}

	got, err = r.Invoke(context.Background(), "sess-1", "demo/text", nil)
	if err != nil || got != "plain text" {
		t.Errorf("text invoke = %v, %v", got, err)
	}

	if _, err = r.Invoke(context.Background(), "sess-1", "demo/fail", nil); err == nil {
		t.Error("expected error from failing tool")
	}
}

func TestListSorted(t *testing.T) {
	r := testRegistry(t, 0)
	for _, name := range []string{"tasks/close_task", "agents/start_agent", "party/launch_party"} {
		r.Register(name, "", func(ctx context.Context, sessionID string, args map[string]any) *Result {
			return NewResult("ok")
		})
	}
	names := r.List()
	want := []string{"agents/start_agent", "party/launch_party", "tasks/close_task"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v", names)
		}
	}
}
