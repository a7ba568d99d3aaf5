package creator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/integrator/internal/bridge"
	"github.com/kalambet/integrator/internal/storage"
)

type fakeBridge struct {
	history   bridge.HistoryResult
	generate  bridge.GenerateResult
	feedback  bridge.Result
	panicOn   string
	genCalls  []bridge.GenerateRequest
	fbPayload map[string]any
}

func (f *fakeBridge) Generate(_ context.Context, req bridge.GenerateRequest) bridge.GenerateResult {
	if f.panicOn == "generate" {
		panic("boom")
	}
	f.genCalls = append(f.genCalls, req)
	return f.generate
}

func (f *fakeBridge) History(context.Context, string) bridge.HistoryResult {
	return f.history
}

func (f *fakeBridge) Feedback(_ context.Context, payload map[string]any) bridge.Result {
	f.fbPayload = payload
	return f.feedback
}

type fakeMemory struct {
	entries []storage.ContextEntry
	err     error
	calls   int
	limit   int
}

func (m *fakeMemory) GetContext(_ context.Context, _ string, limit int) ([]storage.ContextEntry, error) {
	m.calls++
	m.limit = limit
	return m.entries, m.err
}

type countingSuppressor map[string]int

func (c countingSuppressor) Suppressed(stage string) { c[stage]++ }

func fallback(kind bridge.ErrorType, endpoint string) *bridge.Fallback {
	return &bridge.Fallback{ErrorType: kind, ErrorMessage: "x", Endpoint: endpoint, FallbackUsed: true}
}

func historyOf(n int) bridge.HistoryResult {
	entries := make([]json.RawMessage, n)
	for k := range entries {
		entries[k] = json.RawMessage(`{"n":` + string(rune('0'+k)) + `}`)
	}
	return bridge.HistoryResult{Result: bridge.Result{Endpoint: "/history", Body: json.RawMessage(`[]`)}, Entries: entries}
}

func generated(t *testing.T, body string) bridge.GenerateResult {
	t.Helper()
	srvResult := bridge.Result{Endpoint: "/generate", Body: json.RawMessage(body)}
	return bridge.DecodeGenerate(srvResult)
}

func TestPrepare_GenerateAttachesMetadata(t *testing.T) {
	b := &fakeBridge{
		history:  historyOf(7),
		generate: generated(t, `{"generation_id":42,"generated_text":"once","related_context":[{"t":1}]}`),
	}
	mem := &fakeMemory{}
	r := NewRouter(b, mem)

	input := map[string]any{"topic": "space", "goal": "inspire"}
	out := r.PrewarmAndPrepare(context.Background(), "req", "u1", input)

	require.Len(t, b.genCalls, 1)
	assert.Equal(t, bridge.GenerateRequest{Topic: "space", Goal: "inspire", Type: "story"}, b.genCalls[0])
	assert.Len(t, out["recent_history"], 5)
	assert.Len(t, out["related_context"], 1)

	meta, ok := out["generation_metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "external", meta["source"])
	assert.Equal(t, true, meta["can_provide_feedback"])
	assert.Equal(t, bridge.GenerationID("42"), meta["generation_id"])
	assert.Zero(t, mem.calls, "local memory must not be consulted after a generate")
}

func TestPrepare_NestedDataAndType(t *testing.T) {
	b := &fakeBridge{history: bridge.HistoryResult{Result: bridge.Result{Fallback: fallback(bridge.ErrorNetwork, "/history")}}}
	b.generate = generated(t, `{"status":"ok"}`)
	r := NewRouter(b, nil)

	input := map[string]any{"data": map[string]any{"topic": "t", "goal": "g", "type": "poem"}}
	out := r.PrewarmAndPrepare(context.Background(), "", "u1", input)

	require.Len(t, b.genCalls, 1)
	assert.Equal(t, "poem", b.genCalls[0].Type)
	assert.Equal(t, []json.RawMessage{}, out["related_context"])
	assert.NotContains(t, out, "generation_metadata", "no output, no metadata")
	assert.NotContains(t, out, "recent_history", "failed history must not be attached")
}

func TestPrepare_NeverOverwrites(t *testing.T) {
	b := &fakeBridge{
		history:  historyOf(2),
		generate: generated(t, `{"generation_id":"g","related_context":[1]}`),
	}
	r := NewRouter(b, nil)

	input := map[string]any{
		"topic": "t", "goal": "g",
		"recent_history":      "mine",
		"related_context":     "mine",
		"generation_metadata": "mine",
	}
	out := r.PrewarmAndPrepare(context.Background(), "", "u", input)

	want := map[string]any{
		"topic": "t", "goal": "g",
		"recent_history":      "mine",
		"related_context":     "mine",
		"generation_metadata": "mine",
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("input was overwritten (-want +got):\n%s", diff)
	}
}

func TestPrepare_GenerateFallbackKeepsRelatedContextEmpty(t *testing.T) {
	b := &fakeBridge{
		history:  historyOf(0),
		generate: bridge.GenerateResult{Result: bridge.Result{Endpoint: "/generate", Fallback: fallback(bridge.ErrorSchema, "/generate")}},
	}
	r := NewRouter(b, &fakeMemory{entries: []storage.ContextEntry{{Module: "m"}}})

	p := r.Prepare(context.Background(), "", "u", map[string]any{"topic": "t", "goal": "g"})

	require.NotNil(t, p.Generated)
	assert.True(t, p.Generated.Failed())
	assert.Equal(t, []json.RawMessage{}, p.Data["related_context"])
	assert.NotContains(t, p.Data, "generation_metadata")
}

func TestPrepare_ArrayGenerateBodyReturnsInput(t *testing.T) {
	counter := countingSuppressor{}
	b := &fakeBridge{history: historyOf(1), generate: generated(t, `[1,2]`)}
	r := NewRouter(b, nil, WithCounter(counter))

	out := r.PrewarmAndPrepare(context.Background(), "", "u", map[string]any{"topic": "t", "goal": "g"})

	assert.NotContains(t, out, "related_context")
	assert.Contains(t, out, "recent_history")
	assert.Equal(t, 1, counter["generate"])
}

func TestPrepare_LocalMemoryFallback(t *testing.T) {
	entries := []storage.ContextEntry{{Module: "creator", Intent: "generate"}}
	mem := &fakeMemory{entries: entries}
	r := NewRouter(nil, mem)

	out := r.PrewarmAndPrepare(context.Background(), "", "u1", map[string]any{"topic": "only-topic"})

	assert.Equal(t, 1, mem.calls)
	assert.Equal(t, 3, mem.limit)
	assert.Equal(t, entries, out["related_context"])
}

func TestPrepare_LocalMemoryRequiresUser(t *testing.T) {
	mem := &fakeMemory{}
	r := NewRouter(nil, mem)

	out := r.PrewarmAndPrepare(context.Background(), "", "", map[string]any{})

	assert.Zero(t, mem.calls)
	assert.Empty(t, out)
}

func TestPrepare_MemoryErrorIsSuppressed(t *testing.T) {
	counter := countingSuppressor{}
	r := NewRouter(nil, &fakeMemory{err: errors.New("db down")}, WithCounter(counter))

	out := r.PrewarmAndPrepare(context.Background(), "", "u1", map[string]any{"x": 1})

	assert.Equal(t, map[string]any{"x": 1}, out)
	assert.Equal(t, 1, counter["memory"])
}

func TestPrepare_PanicReturnsInput(t *testing.T) {
	counter := countingSuppressor{}
	b := &fakeBridge{history: historyOf(1), panicOn: "generate"}
	r := NewRouter(b, nil, WithCounter(counter))

	input := map[string]any{"topic": "t", "goal": "g"}
	var out map[string]any
	require.NotPanics(t, func() {
		out = r.PrewarmAndPrepare(context.Background(), "", "u", input)
	})
	assert.Equal(t, "t", out["topic"])
	assert.Equal(t, 1, counter["panic"])
}

func TestPrepare_NilInput(t *testing.T) {
	r := NewRouter(&fakeBridge{}, &fakeMemory{})
	assert.Nil(t, r.PrewarmAndPrepare(context.Background(), "", "u", nil))
}

func TestForwardFeedback(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		f := NewRouter(nil, nil).ForwardFeedback(context.Background(), map[string]any{"generation_id": 1, "command": "+1"})
		assert.True(t, f.Disabled)
		b, err := json.Marshal(f)
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"disabled"}`, string(b))
		assert.Equal(t, map[string]any{"status": "disabled"}, f.Map())
	})

	tests := []struct {
		name    string
		payload map[string]any
		want    map[string]any
	}{
		{
			name:    "id and feedback",
			payload: map[string]any{"id": 3, "feedback": "good", "extra": true, "generation_id": 9, "command": "+1"},
			want:    map[string]any{"id": 3, "feedback": "good"},
		},
		{
			name:    "generation and command",
			payload: map[string]any{"generation_id": 9, "command": "-1", "user_id": "u"},
			want:    map[string]any{"generation_id": 9, "command": "-1"},
		},
		{
			name:    "verbatim",
			payload: map[string]any{"rating": 5},
			want:    map[string]any{"rating": 5},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBridge{feedback: bridge.Result{Endpoint: "/core/feedback", Body: json.RawMessage(`{"status":"ok"}`)}}
			f := NewRouter(b, nil).ForwardFeedback(context.Background(), tt.payload)

			if diff := cmp.Diff(tt.want, b.fbPayload); diff != "" {
				t.Errorf("forwarded payload (-want +got):\n%s", diff)
			}
			assert.True(t, f.Delivered())
			out, err := json.Marshal(f)
			require.NoError(t, err)
			assert.JSONEq(t, `{"status":"ok"}`, string(out))
		})
	}

	t.Run("fallback verbatim", func(t *testing.T) {
		b := &fakeBridge{feedback: bridge.Result{Endpoint: "/core/feedback", Fallback: fallback(bridge.ErrorNetwork, "/core/feedback")}}
		f := NewRouter(b, nil).ForwardFeedback(context.Background(), map[string]any{"generation_id": "g", "command": "flag"})
		assert.False(t, f.Delivered())
		assert.Equal(t, "network", f.Map()["error_type"])
		assert.Equal(t, true, f.Map()["fallback_used"])
	})
}
