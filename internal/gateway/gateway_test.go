package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/integrator/internal/bridge"
	"github.com/kalambet/integrator/internal/creator"
	"github.com/kalambet/integrator/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type stubModule struct {
	name   string
	result map[string]any
	err    error
	panics bool
	calls  int
}

func (m *stubModule) Name() string { return m.name }

func (m *stubModule) Handle(_ context.Context, call Call) (map[string]any, error) {
	m.calls++
	if m.panics {
		panic("module exploded")
	}
	call.Data["touched"] = true
	return m.result, m.err
}

// failingStore fails interaction writes.
type failingStore struct {
	*storage.Store
}

func (failingStore) StoreInteraction(context.Context, storage.Interaction) error {
	return errors.New("disk full")
}

type recordingQueue struct {
	jobs []storage.Job
}

func (q *recordingQueue) EnqueueJob(_ context.Context, j storage.Job) error {
	q.jobs = append(q.jobs, j)
	return nil
}
func (q *recordingQueue) ClaimNextJob(context.Context, []string) (*storage.Job, error) { return nil, nil }
func (q *recordingQueue) CompleteJob(context.Context, string) error                    { return nil }
func (q *recordingQueue) FailJob(context.Context, string, string) error                { return nil }

func TestProcessRequest_StoresInteraction(t *testing.T) {
	store := openTestStore(t)
	mod := &stubModule{name: "finance", result: map[string]any{"balance": 10.0}}
	q := &recordingQueue{}
	g := New(store, []Module{mod}, WithOutbox(q))

	resp, err := g.ProcessRequest(context.Background(), Request{
		Module: "finance", Intent: "budget", UserID: "u1", Data: map[string]any{"income": 10.0},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, 10.0, resp.Result["balance"])
	require.NotEmpty(t, resp.InteractionID)
	assert.Empty(t, resp.GenerationID)

	stored, err := store.GetInteraction(context.Background(), resp.InteractionID)
	require.NoError(t, err)
	assert.Equal(t, "u1", stored.UserID)
	assert.JSONEq(t, `{"income":10}`, string(stored.Request), "request is stored as received")

	var storedResp map[string]any
	require.NoError(t, json.Unmarshal(stored.Response, &storedResp))
	assert.Equal(t, "success", storedResp["status"])

	require.Len(t, q.jobs, 1)
	assert.Equal(t, JobCoreLog, q.jobs[0].Type)
	assert.Contains(t, q.jobs[0].PayloadJSON, resp.InteractionID)
}

func TestProcessRequest_GenerationMapping(t *testing.T) {
	store := openTestStore(t)
	mod := &stubModule{name: "creator", result: map[string]any{"generation_id": 999, "generated_text": "hello"}}
	g := New(store, []Module{mod})

	resp, err := g.ProcessRequest(context.Background(), Request{
		Module: "creator", Intent: "generate", UserID: "user123", Data: map[string]any{"prompt": "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, bridge.GenerationID("999"), resp.GenerationID)

	history, err := g.History(context.Background(), "user123", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "creator", history[0].Module)
	assert.Equal(t, 999.0, gjsonNumber(t, history[0].Response, "result", "generation_id"))

	for _, id := range []any{999, "999", float64(999), json.Number("999")} {
		rec, err := g.GetGeneration(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, rec, "lookup by %T", id)
		assert.Equal(t, "999", rec.GenerationID)
		assert.Equal(t, "user123", rec.UserID)
		assert.Equal(t, "creator", rec.Interaction.Module)
	}
}

func gjsonNumber(t *testing.T, raw json.RawMessage, keys ...string) float64 {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal(raw, &v))
	for _, k := range keys {
		v = v.(map[string]any)[k]
	}
	return v.(float64)
}

func TestExtractGenerationID(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"result":{"generation_id":999}}`, "999"},
		{`{"result":{"generation_id":"gen-1"}}`, "gen-1"},
		{`{"generation_id":12,"result":{}}`, "12"},
		{`{"result":{"generation_metadata":{"generation_id":"meta"}}}`, "meta"},
		{`{"result":{"generation_id":null,"generation_metadata":{"generation_id":5}}}`, "5"},
		{`{"result":{"generation_id":""}}`, ""},
		{`{"result":{"generation_id":true}}`, ""},
		{`{"result":{}}`, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractGenerationID([]byte(tt.body)), tt.body)
	}
}

func TestProcessRequest_Errors(t *testing.T) {
	store := openTestStore(t)
	failing := &stubModule{name: "finance", err: errors.New("bad numbers")}
	panicking := &stubModule{name: "education", panics: true}
	g := New(store, []Module{failing, panicking})

	tests := []struct {
		module  string
		message string
	}{
		{"unknown", `unknown module "unknown"`},
		{"finance", "bad numbers"},
		{"education", "module education panicked: module exploded"},
	}
	for _, tt := range tests {
		t.Run(tt.module, func(t *testing.T) {
			resp, err := g.ProcessRequest(context.Background(), Request{Module: tt.module, Intent: "x", UserID: "u1"})
			require.NoError(t, err)
			assert.Equal(t, StatusError, resp.Status)
			assert.Equal(t, tt.message, resp.Message)
			assert.Empty(t, resp.InteractionID)
		})
	}

	st, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.TotalInteractions, "failed requests must not be stored")
}

func TestProcessRequest_PersistFailure(t *testing.T) {
	store := openTestStore(t)
	mod := &stubModule{name: "creator", result: map[string]any{"generation_id": "g-1"}}
	q := &recordingQueue{}
	g := New(failingStore{store}, []Module{mod}, WithOutbox(q))

	resp, err := g.ProcessRequest(context.Background(), Request{Module: "creator", Intent: "generate", UserID: "u1"})

	require.ErrorIs(t, err, ErrPersist)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Empty(t, q.jobs)

	rec, err := g.GetGeneration(context.Background(), "g-1")
	require.NoError(t, err)
	assert.Nil(t, rec, "no mapping may exist for an unpersisted interaction")
}

func TestGetGeneration_Missing(t *testing.T) {
	g := New(openTestStore(t), nil)

	for _, id := range []any{nil, "", "nope", 42, map[string]any{}} {
		rec, err := g.GetGeneration(context.Background(), id)
		assert.NoError(t, err)
		assert.Nil(t, rec)
	}
}

func TestModules(t *testing.T) {
	g := New(openTestStore(t), []Module{&stubModule{name: "finance"}, &stubModule{name: "creator"}})
	assert.Equal(t, []string{"creator", "finance"}, g.Modules())
}

// feedbackFixture wires a gateway to a store holding generation "999" and a
// backend that counts feedback calls.
type feedbackFixture struct {
	g        *Gateway
	store    *storage.Store
	calls    *atomic.Int32
	lastBody *atomic.Value
	queue    *recordingQueue
}

func newFeedbackFixture(t *testing.T, backendStatus int, withBridge bool) feedbackFixture {
	t.Helper()
	store := openTestStore(t)
	f := feedbackFixture{store: store, calls: &atomic.Int32{}, lastBody: &atomic.Value{}, queue: &recordingQueue{}}

	var b creator.Bridge
	if withBridge {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			f.calls.Add(1)
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			f.lastBody.Store(body)
			w.WriteHeader(backendStatus)
			fmt.Fprint(w, `{"status":"received"}`)
		}))
		t.Cleanup(srv.Close)
		b = bridge.New(srv.URL, bridge.WithHTTPClient(srv.Client()), bridge.WithBackoff(time.Millisecond))
	}

	mod := &stubModule{name: "creator", result: map[string]any{"generation_id": 999}}
	f.g = New(store, []Module{mod}, WithRouter(creator.NewRouter(b, store)), WithOutbox(f.queue))
	_, err := f.g.ProcessRequest(context.Background(), Request{Module: "creator", Intent: "generate", UserID: "user123"})
	require.NoError(t, err)
	f.queue.jobs = nil
	return f
}

func TestApplyFeedback_RejectsInvalidBeforeNetwork(t *testing.T) {
	f := newFeedbackFixture(t, http.StatusOK, true)

	for _, req := range []FeedbackRequest{
		{GenerationID: 999, Command: "invalid_command"},
		{GenerationID: 999, Command: ""},
		{GenerationID: nil, Command: "+1"},
		{GenerationID: "", Command: "+1"},
	} {
		_, err := f.g.ApplyFeedback(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidFeedback, "%+v", req)
	}
	assert.Zero(t, f.calls.Load(), "invalid feedback must not reach the backend")
}

func TestApplyFeedback_UnknownGeneration(t *testing.T) {
	f := newFeedbackFixture(t, http.StatusOK, true)

	_, err := f.g.ApplyFeedback(context.Background(), FeedbackRequest{GenerationID: 1000, Command: "+1"})
	assert.ErrorIs(t, err, ErrGenerationNotFound)
	assert.Zero(t, f.calls.Load())
}

func TestApplyFeedback_AppliedThenDuplicate(t *testing.T) {
	f := newFeedbackFixture(t, http.StatusOK, true)
	ctx := context.Background()

	res, err := f.g.ApplyFeedback(ctx, FeedbackRequest{GenerationID: 999, Command: "+1"})
	require.NoError(t, err)
	assert.Equal(t, FeedbackApplied, res.Status)
	assert.Equal(t, "user123", res.UserID)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, map[string]any{"generation_id": 999.0, "command": "+1"}, f.lastBody.Load())

	stored, err := f.store.GetFeedback(ctx, "999", "user123")
	require.NoError(t, err)
	assert.True(t, stored.Forwarded)

	res, err = f.g.ApplyFeedback(ctx, FeedbackRequest{GenerationID: "999", Command: "+1"})
	require.NoError(t, err)
	assert.Equal(t, FeedbackDuplicate, res.Status)
	assert.Equal(t, int32(1), f.calls.Load(), "duplicate feedback must not be forwarded")

	res, err = f.g.ApplyFeedback(ctx, FeedbackRequest{GenerationID: 999, Command: "-1"})
	require.NoError(t, err)
	assert.Equal(t, FeedbackApplied, res.Status)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestApplyFeedback_BackendFailureIsQueued(t *testing.T) {
	f := newFeedbackFixture(t, http.StatusInternalServerError, true)

	res, err := f.g.ApplyFeedback(context.Background(), FeedbackRequest{GenerationID: 999, Command: "flag"})
	require.NoError(t, err)
	assert.Equal(t, FeedbackQueued, res.Status)
	require.NotNil(t, res.Backend)
	assert.Equal(t, "unexpected", res.Backend.Map()["error_type"])

	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, JobCoreFeedback, f.queue.jobs[0].Type)
	var job FeedbackJob
	require.NoError(t, json.Unmarshal([]byte(f.queue.jobs[0].PayloadJSON), &job))
	assert.Equal(t, FeedbackJob{GenerationID: "999", UserID: "user123", Command: "flag"}, job)

	stored, err := f.store.GetFeedback(context.Background(), "999", "user123")
	require.NoError(t, err)
	assert.False(t, stored.Forwarded)
}

func TestApplyFeedback_Disabled(t *testing.T) {
	f := newFeedbackFixture(t, http.StatusOK, false)

	res, err := f.g.ApplyFeedback(context.Background(), FeedbackRequest{GenerationID: 999, Command: "+1", UserID: "someone"})
	require.NoError(t, err)
	assert.Equal(t, FeedbackDisabled, res.Status)
	assert.Equal(t, "someone", res.UserID)

	b, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"backend":{"status":"disabled"}`)
}
