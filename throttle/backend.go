package throttle

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/genai"
)

// Session is a multi-turn conversation held by the backend.
type Session interface {
	// History returns the prior turns. Curated history omits turns the
	// model rejected, which is what the backend sends on the next call.
	History(curated bool) []*genai.Content
	SendMessage(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// FileService registers binary content with the backend. It is passed
// through untouched.
type FileService interface {
	Upload(ctx context.Context, r io.Reader, config *genai.UploadFileConfig) (*genai.File, error)
	Get(ctx context.Context, name string, config *genai.GetFileConfig) (*genai.File, error)
	Delete(ctx context.Context, name string, config *genai.DeleteFileConfig) (*genai.DeleteFileResponse, error)
}

// Backend is the capability surface of the remote model service.
type Backend interface {
	CountTokens(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (int, error)
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	CreateChat(ctx context.Context, model string, config *genai.GenerateContentConfig, history []*genai.Content) (Session, error)
	Files() FileService
}

// genaiBackend adapts *genai.Client to Backend.
type genaiBackend struct {
	client *genai.Client
}

// NewGenAIBackend wraps a Gemini client.
func NewGenAIBackend(client *genai.Client) Backend {
	return &genaiBackend{client: client}
}

// NewGeminiBackend creates a Gemini API client for apiKey.
func NewGeminiBackend(ctx context.Context, apiKey string) (Backend, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return NewGenAIBackend(client), nil
}

// CountTokens counts contents together with the system instruction from
// config, since the instruction is billed on every call.
func (b *genaiBackend) CountTokens(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (int, error) {
	if config != nil && config.SystemInstruction != nil {
		instruction := &genai.Content{Role: "user", Parts: config.SystemInstruction.Parts}
		contents = append([]*genai.Content{instruction}, contents...)
	}
	resp, err := b.client.Models.CountTokens(ctx, model, contents, nil)
	if err != nil {
		return 0, err
	}
	return int(resp.TotalTokens), nil
}

func (b *genaiBackend) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	return b.client.Models.GenerateContent(ctx, model, contents, config)
}

func (b *genaiBackend) CreateChat(ctx context.Context, model string, config *genai.GenerateContentConfig, history []*genai.Content) (Session, error) {
	chat, err := b.client.Chats.Create(ctx, model, config, history)
	if err != nil {
		return nil, err
	}
	return chat, nil
}

func (b *genaiBackend) Files() FileService {
	return b.client.Files
}
