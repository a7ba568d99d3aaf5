package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrorType classifies a failed bridge call.
type ErrorType string

const (
	ErrorNetwork    ErrorType = "network"
	ErrorLogic      ErrorType = "logic"
	ErrorSchema     ErrorType = "schema"
	ErrorUnexpected ErrorType = "unexpected"
)

// Fallback is the deterministic value synthesized when a call cannot succeed.
type Fallback struct {
	Success      bool      `json:"success"`
	ErrorType    ErrorType `json:"error_type"`
	ErrorMessage string    `json:"error_message"`
	Endpoint     string    `json:"endpoint"`
	FallbackUsed bool      `json:"fallback_used"`
}

func newFallback(kind ErrorType, msg, endpoint string) *Fallback {
	return &Fallback{
		Success:      false,
		ErrorType:    kind,
		ErrorMessage: msg,
		Endpoint:     endpoint,
		FallbackUsed: true,
	}
}

func (f *Fallback) Error() string {
	return fmt.Sprintf("bridge %s: %s error: %s", f.Endpoint, f.ErrorType, f.ErrorMessage)
}

// Map returns the fallback in its wire shape.
func (f *Fallback) Map() map[string]any {
	return map[string]any{
		"success":       f.Success,
		"error_type":    string(f.ErrorType),
		"error_message": f.ErrorMessage,
		"endpoint":      f.Endpoint,
		"fallback_used": f.FallbackUsed,
	}
}

// Result is the outcome of one bridge call. Exactly one of Body and Fallback is set.
type Result struct {
	Endpoint string
	Body     json.RawMessage
	Fallback *Fallback
}

// Failed reports whether the call ended in a Fallback.
func (r Result) Failed() bool {
	return r.Fallback != nil
}

// Decode unmarshals the success body into v. It returns the Fallback as an
// error when the call failed.
func (r Result) Decode(v any) error {
	if r.Fallback != nil {
		return r.Fallback
	}
	dec := json.NewDecoder(bytes.NewReader(r.Body))
	dec.UseNumber()
	return dec.Decode(v)
}

// Object returns the body as a JSON object, or the fallback map when the call
// failed. Array bodies are returned under "items".
func (r Result) Object() map[string]any {
	if r.Fallback != nil {
		return r.Fallback.Map()
	}
	var v any
	if err := r.Decode(&v); err != nil {
		return map[string]any{}
	}
	switch t := v.(type) {
	case map[string]any:
		return t
	default:
		return map[string]any{"items": t}
	}
}

// MarshalJSON emits the body verbatim, or the fallback object.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Fallback != nil {
		return json.Marshal(r.Fallback)
	}
	if len(r.Body) == 0 {
		return []byte("null"), nil
	}
	return r.Body, nil
}

// GenerateRequest is the body of POST /generate.
type GenerateRequest struct {
	Topic string `json:"topic"`
	Goal  string `json:"goal"`
	Type  string `json:"type"`
}

// Generation is the decoded success body of POST /generate.
type Generation struct {
	GenerationID   GenerationID      `json:"generation_id,omitempty"`
	GeneratedText  string            `json:"generated_text,omitempty"`
	RelatedContext []json.RawMessage `json:"related_context,omitempty"`

	hasOutput bool
}

// HasOutput reports whether the backend returned generated text or a generation id.
func (g Generation) HasOutput() bool {
	return g.hasOutput
}

// GenerateResult is a Result from POST /generate. Generation is populated only
// when the body is a JSON object; DecodeErr is set when it is not.
type GenerateResult struct {
	Result
	Generation Generation
	DecodeErr  error
}

type generationWire struct {
	GenerationID   *GenerationID     `json:"generation_id"`
	GeneratedText  *string           `json:"generated_text"`
	RelatedContext []json.RawMessage `json:"related_context"`
}

// DecodeGenerate interprets a /generate Result.
func DecodeGenerate(r Result) GenerateResult {
	out := GenerateResult{Result: r}
	if r.Failed() {
		return out
	}
	var w generationWire
	if err := json.Unmarshal(r.Body, &w); err != nil {
		out.DecodeErr = fmt.Errorf("decoding generate response: %w", err)
		return out
	}
	if w.GenerationID != nil {
		out.Generation.GenerationID = *w.GenerationID
	}
	if w.GeneratedText != nil {
		out.Generation.GeneratedText = *w.GeneratedText
	}
	out.Generation.RelatedContext = w.RelatedContext
	out.Generation.hasOutput = w.GenerationID != nil || w.GeneratedText != nil
	return out
}

// HistoryResult is a Result from GET /history. Entries is set only when the
// backend returned a JSON array.
type HistoryResult struct {
	Result
	Entries []json.RawMessage
}

// DecodeHistory interprets a /history Result.
func DecodeHistory(r Result) HistoryResult {
	out := HistoryResult{Result: r}
	if r.Failed() {
		return out
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(r.Body, &entries); err == nil {
		if entries == nil {
			entries = []json.RawMessage{}
		}
		out.Entries = entries
	}
	return out
}

// IsList reports whether the history body was a JSON array.
func (h HistoryResult) IsList() bool {
	return h.Entries != nil
}

// HealthResult is a Result from GET /system/health.
type HealthResult struct {
	Result
	Status string
}

func newHealthResult(r Result) HealthResult {
	out := HealthResult{Result: r}
	if r.Failed() {
		return out
	}
	if s := gjson.GetBytes(r.Body, "status"); s.Type == gjson.String {
		out.Status = s.String()
	}
	return out
}
