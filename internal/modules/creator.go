package modules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kalambet/integrator/internal/bridge"
	"github.com/kalambet/integrator/internal/creator"
	"github.com/kalambet/integrator/internal/gateway"
)

// CreatorModule generates content through the creator router, degrading to a
// local draft when the backend is disabled or fails.
type CreatorModule struct {
	router *creator.Router
}

func NewCreator(router *creator.Router) *CreatorModule {
	return &CreatorModule{router: router}
}

func (*CreatorModule) Name() string { return Creator }

func (m *CreatorModule) Handle(ctx context.Context, call gateway.Call) (map[string]any, error) {
	switch call.Intent {
	case "generate":
		return m.generate(ctx, call)
	default:
		return nil, unsupported(Creator, call.Intent)
	}
}

func (m *CreatorModule) generate(ctx context.Context, call gateway.Call) (map[string]any, error) {
	data := call.Data
	p := m.router.Prepare(ctx, call.Intent, call.UserID, data)

	topic, goal, kind := p.Topic, p.Goal, p.Type
	if kind == "" {
		kind = "story"
	}
	prompt := stringField(data, "prompt")
	if topic == "" {
		topic = prompt
	}
	if goal == "" {
		goal = prompt
	}

	res := p.Generated
	if res == nil && topic != "" {
		if r, ok := m.router.Generate(ctx, bridge.GenerateRequest{Topic: topic, Goal: goal, Type: kind}); ok {
			res = &r
		}
	}

	if res != nil && !res.Failed() && res.DecodeErr == nil && res.Generation.HasOutput() {
		g := res.Generation
		related := data["related_context"]
		if related == nil {
			related = relatedOrEmpty(g.RelatedContext)
		}
		metadata := data["generation_metadata"]
		if metadata == nil {
			metadata = map[string]any{
				"source":               "external",
				"can_provide_feedback": true,
				"generation_id":        g.GenerationID,
			}
		}
		return map[string]any{
			"generation_id":       g.GenerationID,
			"generated_text":      g.GeneratedText,
			"related_context":     related,
			"generation_metadata": metadata,
			"source":              "external",
		}, nil
	}

	if topic == "" {
		return nil, invalid("topic or prompt is required")
	}
	related := data["related_context"]
	if related == nil {
		related = []any{}
	}
	out := map[string]any{
		"generated_text":  localDraft(kind, topic, goal),
		"type":            kind,
		"topic":           topic,
		"goal":            goal,
		"related_context": related,
		"source":          "local",
	}
	if res != nil && res.Failed() {
		out["fallback"] = res.Fallback
	}
	return out, nil
}

func relatedOrEmpty(related []json.RawMessage) []json.RawMessage {
	if related == nil {
		return []json.RawMessage{}
	}
	return related
}

func localDraft(kind, topic, goal string) string {
	if goal == "" || goal == topic {
		return fmt.Sprintf("Draft %s about %s.", kind, topic)
	}
	return fmt.Sprintf("Draft %s about %s, written to %s.", kind, topic, goal)
}
