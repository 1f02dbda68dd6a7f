package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/recoverly/recoverly/internal/core"
)

type Gemini struct {
	client    *genai.Client
	modelName string
}

func NewGemini(ctx context.Context, apiKey, modelName string) (*Gemini, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	return &Gemini{client: cl, modelName: modelName}, nil
}

func (g *Gemini) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// Complete sends one ordered conversation to Gemini and returns the text of
// the first candidate. All entries except the last become chat history; the
// last entry is the message actually sent.
func (g *Gemini) Complete(ctx context.Context, req core.CompletionRequest) (string, error) {
	if len(req.Messages) == 0 {
		return "", errors.New("completion request has no messages")
	}

	name := req.Model
	if name == "" {
		name = g.modelName
	}
	m := g.client.GenerativeModel(name)
	if req.System != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}
	m.SetTemperature(float32(req.Temperature))
	if req.MaxTokens > 0 {
		m.SetMaxOutputTokens(int32(req.MaxTokens))
	}

	cs := m.StartChat()
	for _, pm := range req.Messages[:len(req.Messages)-1] {
		cs.History = append(cs.History, &genai.Content{
			Role:  geminiRole(pm.Role),
			Parts: []genai.Part{genai.Text(pm.Content)},
		})
	}

	last := req.Messages[len(req.Messages)-1]
	resp, err := cs.SendMessage(ctx, genai.Text(last.Content))
	if err != nil {
		return "", classify(err, req.UserTag)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}

	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String(), nil
}

// geminiRole maps our message roles onto Gemini chat roles; the API calls
// the assistant side "model".
func geminiRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

// classify maps a backend failure onto the status taxonomy. The user tag is
// only carried into the wrapped message so abuse-monitoring logs can tie a
// failure back to a caller.
func classify(err error, userTag string) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w (caller %s): %v", core.ErrModelOverloaded, userTag, err)
		case http.StatusUnauthorized:
			return fmt.Errorf("%w (caller %s): %v", core.ErrModelUnauthorized, userTag, err)
		}
	}
	return fmt.Errorf("gemini generate (caller %s): %w", userTag, err)
}

var _ core.ModelClient = (*Gemini)(nil)
