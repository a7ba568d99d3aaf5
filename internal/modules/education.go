package modules

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kalambet/integrator/internal/gateway"
)

const (
	maxDocumentSize = 10 << 20 // 10MB
	previewLength   = 280
	maxQuizSize     = 10
)

// EducationModule builds lesson outlines and quizzes and summarizes PDF documents.
type EducationModule struct{}

func NewEducation() *EducationModule { return &EducationModule{} }

func (*EducationModule) Name() string { return Education }

func (m *EducationModule) Handle(_ context.Context, call gateway.Call) (map[string]any, error) {
	switch call.Intent {
	case "explain", "lesson":
		return lesson(call.Data)
	case "quiz":
		return quiz(call.Data)
	case "summarize_document":
		return summarizeDocument(call.Data)
	default:
		return nil, unsupported(Education, call.Intent)
	}
}

func lesson(data map[string]any) (map[string]any, error) {
	topic := strings.TrimSpace(stringField(data, "topic"))
	if topic == "" {
		return nil, invalid("topic is required")
	}
	level := stringField(data, "level")
	if level == "" {
		level = "beginner"
	}
	return map[string]any{
		"topic": topic,
		"level": level,
		"outline": []string{
			"Introduction to " + topic,
			"Core concepts of " + topic,
			"Worked examples",
			"Practice and review",
		},
		"summary": fmt.Sprintf("A %s lesson on %s in four parts.", level, topic),
	}, nil
}

type question struct {
	Number   int    `json:"number"`
	Question string `json:"question"`
	Kind     string `json:"kind"`
}

func quiz(data map[string]any) (map[string]any, error) {
	topic := strings.TrimSpace(stringField(data, "topic"))
	if topic == "" {
		return nil, invalid("topic is required")
	}
	n := intField(data, "count", 3)
	if n > maxQuizSize {
		n = maxQuizSize
	}

	prompts := []string{
		"Define %s in your own words.",
		"Give a real-world example of %s.",
		"What is a common misconception about %s?",
		"How does %s relate to what you already know?",
		"Explain %s to a beginner.",
	}
	questions := make([]question, 0, n)
	for k := 0; k < n; k++ {
		kind := "open"
		if k%2 == 1 {
			kind = "example"
		}
		questions = append(questions, question{
			Number:   k + 1,
			Question: fmt.Sprintf(prompts[k%len(prompts)], topic),
			Kind:     kind,
		})
	}
	return map[string]any{
		"topic":     topic,
		"count":     len(questions),
		"questions": questions,
	}, nil
}

// summarizeDocument decodes a base64 PDF from data.document_base64 and reports
// its page count, word count and a text preview.
func summarizeDocument(data map[string]any) (map[string]any, error) {
	encoded := stringField(data, "document_base64")
	if encoded == "" {
		return nil, invalid("document_base64 is required")
	}
	if base64.StdEncoding.DecodedLen(len(encoded)) > maxDocumentSize {
		return nil, invalid("document exceeds %d bytes", maxDocumentSize)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, invalid("document_base64 is not valid base64: %v", err)
	}

	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, invalid("document is not a readable PDF: %v", err)
	}

	result := map[string]any{
		"title":          stringField(data, "title"),
		"pages":          r.NumPage(),
		"text_extracted": false,
		"words":          0,
		"preview":        "",
	}

	text, err := plainText(r)
	if err != nil {
		result["extraction_error"] = err.Error()
		return result, nil
	}
	words := strings.Fields(text)
	result["text_extracted"] = true
	result["words"] = len(words)
	result["preview"] = preview(strings.Join(words, " "), previewLength)
	return result, nil
}

func plainText(r *pdf.Reader) (text string, err error) {
	// The PDF parser panics on some malformed content streams.
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("extracting text: %v", rec)
		}
	}()
	rd, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting text: %w", err)
	}
	b, err := io.ReadAll(io.LimitReader(rd, maxDocumentSize))
	if err != nil {
		return "", fmt.Errorf("reading text: %w", err)
	}
	return string(b), nil
}

func preview(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
