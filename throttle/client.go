// Package throttle decorates a Gemini backend so that every generation call is
// admitted by a quota.Limiter before it is sent and charged to the shared
// quota state after it succeeds.
package throttle

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/sirupsen/logrus"
	"google.golang.org/genai"

	"github.com/ziyixi/quotaguard/quota"
)

// fallbackTokens is charged when contents cannot even be serialized.
const fallbackTokens = 1000

// Client is the rate-limited counterpart of a Backend. Models and Chats
// mirror the backend surfaces of the same name.
type Client struct {
	Models *Models
	Chats  *Chats

	backend Backend
	limiter *quota.Limiter
	log     logrus.FieldLogger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for estimation and recording problems.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient wraps backend with limiter.
func NewClient(backend Backend, limiter *quota.Limiter, opts ...Option) *Client {
	c := &Client{
		backend: backend,
		limiter: limiter,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Models = &Models{client: c}
	c.Chats = &Chats{client: c}
	return c
}

// SetTier switches the limiter to tier for every call issued afterwards.
func (c *Client) SetTier(tier string) {
	c.limiter.SetTier(tier)
}

// Tier returns the active tier.
func (c *Client) Tier() string {
	return c.limiter.Tier()
}

// Limiter exposes the underlying limiter.
func (c *Client) Limiter() *quota.Limiter {
	return c.limiter
}

// Files returns the backend file service. Uploads are not rate limited.
func (c *Client) Files() FileService {
	return c.backend.Files()
}

// estimate asks the backend for the prompt size and falls back to
// EstimateTokens when counting fails.
func (c *Client) estimate(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) int {
	n, err := c.backend.CountTokens(ctx, model, contents, config)
	if err == nil {
		return n
	}
	estimate := EstimateTokens(contents)
	c.log.WithField("model", model).Debugf("Error counting tokens, using estimate of %d: %v", estimate, err)
	return estimate
}

// call runs one admitted backend call and charges its usage.
func (c *Client) call(ctx context.Context, model string, promptTokens int,
	do func() (*genai.GenerateContentResponse, error)) (*genai.GenerateContentResponse, error) {
	if err := c.limiter.WaitIfNeeded(ctx, model, promptTokens); err != nil {
		return nil, err
	}

	resp, err := do()
	if err != nil {
		return nil, err
	}

	total := TotalTokens(resp, promptTokens)
	// The call already happened, so it is charged even if the caller has
	// gone away in the meantime.
	if err := c.limiter.UpdateUsage(context.WithoutCancel(ctx), model, total); err != nil {
		c.log.WithField("model", model).Warnf("Failed to record usage of %d tokens: %v", total, err)
	}
	return resp, nil
}

// EstimateTokens approximates the prompt size as a quarter of the serialized
// size of contents.
func EstimateTokens(contents []*genai.Content) int {
	data, err := json.Marshal(contents)
	if err != nil {
		return fallbackTokens
	}
	return max(len(data)/4, 1)
}

// TotalTokens returns the usage reported by resp, or estimate when the
// response carries no usage metadata.
func TotalTokens(resp *genai.GenerateContentResponse, estimate int) int {
	if resp == nil || resp.UsageMetadata == nil {
		return estimate
	}
	return int(resp.UsageMetadata.TotalTokenCount)
}

// Models is the rate-limited single-shot generation surface.
type Models struct {
	client *Client
}

// GenerateContent admits, performs and charges one generation call. Backend
// errors are returned unchanged and nothing is charged for them.
func (m *Models) GenerateContent(ctx context.Context, model string, contents []*genai.Content,
	config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	prompt := m.client.estimate(ctx, model, contents, config)
	return m.client.call(ctx, model, prompt, func() (*genai.GenerateContentResponse, error) {
		return m.client.backend.GenerateContent(ctx, model, contents, config)
	})
}

// CountTokens passes through to the backend without touching the quota.
func (m *Models) CountTokens(ctx context.Context, model string, contents []*genai.Content,
	config *genai.GenerateContentConfig) (int, error) {
	return m.client.backend.CountTokens(ctx, model, contents, config)
}

// Chats creates rate-limited chat sessions.
type Chats struct {
	client *Client
}

// Create starts a session on the backend.
func (c *Chats) Create(ctx context.Context, model string, config *genai.GenerateContentConfig,
	history []*genai.Content) (*Chat, error) {
	session, err := c.client.backend.CreateChat(ctx, model, config, history)
	if err != nil {
		return nil, err
	}
	return &Chat{client: c.client, session: session, model: model, config: config}, nil
}

// Chat is a session whose every message is admitted against the quota. The
// whole conversation is resent on each turn, so each turn is charged for the
// carried history as well as the new message.
type Chat struct {
	client  *Client
	session Session
	model   string
	config  *genai.GenerateContentConfig
}

// Model returns the model the session talks to.
func (c *Chat) Model() string { return c.model }

// History returns the prior turns of the session.
func (c *Chat) History(curated bool) []*genai.Content {
	return c.session.History(curated)
}

// SendMessage sends parts as a new user turn.
func (c *Chat) SendMessage(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	message := &genai.Content{Role: "user"}
	for i := range parts {
		message.Parts = append(message.Parts, &parts[i])
	}
	contents := append(slices.Clone(c.session.History(true)), message)

	prompt := c.client.estimate(ctx, c.model, contents, c.config)
	return c.client.call(ctx, c.model, prompt, func() (*genai.GenerateContentResponse, error) {
		return c.session.SendMessage(ctx, parts...)
	})
}
