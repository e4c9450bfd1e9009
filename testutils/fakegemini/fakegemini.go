// Package fakegemini is an offline stand-in for the Gemini backend. Token
// counts are deterministic so quota behaviour can be asserted exactly: text
// costs one token per four characters plus one, images 70 and videos 280.
package fakegemini

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/ziyixi/quotaguard/throttle"
)

const (
	imageTokens = 70
	videoTokens = 280
)

// DefaultReply is the text every generation returns unless Reply is set.
const DefaultReply = "```json\n{\"prediction\": \"Human-Generated\", \"confidence_score\": 0.92}\n```"

// Backend implements throttle.Backend without any network access.
type Backend struct {
	// Reply overrides DefaultReply.
	Reply string

	mu            sync.Mutex
	countCalls    int
	generateCalls int
	files         *Files
}

// New returns an empty fake backend.
func New() *Backend {
	return &Backend{files: &Files{files: map[string]*fileEntry{}}}
}

// Calls returns how many CountTokens and generation calls (including chat
// messages) the backend has served.
func (b *Backend) Calls() (count, generate int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.countCalls, b.generateCalls
}

func (b *Backend) reply() string {
	if b.Reply != "" {
		return b.Reply
	}
	return DefaultReply
}

// CountTokens implements throttle.Backend.
func (b *Backend) CountTokens(_ context.Context, _ string, contents []*genai.Content, config *genai.GenerateContentConfig) (int, error) {
	b.mu.Lock()
	b.countCalls++
	b.mu.Unlock()
	return Estimate(contents, config), nil
}

// GenerateContent implements throttle.Backend.
func (b *Backend) GenerateContent(_ context.Context, _ string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	b.mu.Lock()
	b.generateCalls++
	b.mu.Unlock()
	return Response(b.reply(), Estimate(contents, config)), nil
}

// CreateChat implements throttle.Backend.
func (b *Backend) CreateChat(_ context.Context, _ string, config *genai.GenerateContentConfig, history []*genai.Content) (throttle.Session, error) {
	return &Chat{backend: b, config: config, history: append([]*genai.Content(nil), history...)}, nil
}

// Files implements throttle.Backend.
func (b *Backend) Files() throttle.FileService { return b.files }

// Chat is a fake session that records both sides of every turn.
type Chat struct {
	backend *Backend
	config  *genai.GenerateContentConfig

	mu      sync.Mutex
	history []*genai.Content
}

// History implements throttle.Session. Fake turns are never rejected, so
// curated and comprehensive history are the same.
func (c *Chat) History(bool) []*genai.Content {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*genai.Content(nil), c.history...)
}

// SendMessage implements throttle.Session. Only the new message and the
// system instruction are billed as input, like the simulated service this
// replaces.
func (c *Chat) SendMessage(_ context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	message := &genai.Content{Role: "user"}
	for i := range parts {
		message.Parts = append(message.Parts, &parts[i])
	}
	c.backend.mu.Lock()
	c.backend.generateCalls++
	c.backend.mu.Unlock()

	text := c.backend.reply()
	resp := Response(text, Estimate([]*genai.Content{message}, c.config))

	c.mu.Lock()
	c.history = append(c.history, message, genai.NewContentFromText(text, genai.RoleModel))
	c.mu.Unlock()
	return resp, nil
}

// Response builds a response whose usage metadata charges promptTokens plus
// the estimated size of text.
func Response(text string, promptTokens int) *genai.GenerateContentResponse {
	candidateTokens := textTokens(text)
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: genai.NewContentFromText(text, genai.RoleModel)},
		},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     int32(promptTokens),
			CandidatesTokenCount: int32(candidateTokens),
			TotalTokenCount:      int32(promptTokens + candidateTokens),
		},
	}
}

// Estimate returns the simulated prompt size of contents and the system
// instruction in config.
func Estimate(contents []*genai.Content, config *genai.GenerateContentConfig) int {
	total := 0
	if config != nil && config.SystemInstruction != nil {
		total += contentTokens(config.SystemInstruction)
	}
	for _, c := range contents {
		total += contentTokens(c)
	}
	return total
}

func contentTokens(c *genai.Content) int {
	if c == nil {
		return 0
	}
	total := 0
	for _, p := range c.Parts {
		total += partTokens(p)
	}
	return total
}

func partTokens(p *genai.Part) int {
	switch {
	case p == nil:
		return 0
	case p.InlineData != nil:
		return mediaTokens(p.InlineData.MIMEType)
	case p.FileData != nil:
		return mediaTokens(p.FileData.MIMEType)
	default:
		return textTokens(p.Text)
	}
}

func mediaTokens(mimeType string) int {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return imageTokens
	case strings.HasPrefix(mimeType, "video/"):
		return videoTokens
	default:
		return 0
	}
}

func textTokens(s string) int {
	return len(s)/4 + 1
}

// Files is an in-memory file registry. Videos report PROCESSING on upload and
// become ACTIVE on the second Get, images and everything else are ACTIVE
// immediately.
type Files struct {
	mu    sync.Mutex
	files map[string]*fileEntry
}

type fileEntry struct {
	file *genai.File
	gets int
	data []byte
}

// Upload implements throttle.FileService.
func (f *Files) Upload(_ context.Context, r io.Reader, config *genai.UploadFileConfig) (*genai.File, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	name, mimeType := "upload", "application/octet-stream"
	if config != nil {
		if config.Name != "" {
			name = path.Base(config.Name)
		}
		if config.MIMEType != "" {
			mimeType = config.MIMEType
		}
	}
	file := &genai.File{
		Name:     "files/" + name,
		URI:      "mock://files/" + name,
		MIMEType: mimeType,
		State:    genai.FileStateActive,
	}
	if strings.HasPrefix(mimeType, "video/") {
		file.State = genai.FileStateProcessing
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[file.Name] = &fileEntry{file: file, data: buf.Bytes()}
	return file, nil
}

// Get implements throttle.FileService.
func (f *Files) Get(_ context.Context, name string, _ *genai.GetFileConfig) (*genai.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.files[name]
	if !ok {
		return nil, fmt.Errorf("file %s not found", name)
	}
	if entry.file.State == genai.FileStateProcessing {
		entry.gets++
		if entry.gets >= 2 {
			entry.file.State = genai.FileStateActive
		}
	}
	return entry.file, nil
}

// Delete implements throttle.FileService.
func (f *Files) Delete(_ context.Context, name string, _ *genai.DeleteFileConfig) (*genai.DeleteFileResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[name]; !ok {
		return nil, fmt.Errorf("file %s not found", name)
	}
	delete(f.files, name)
	return &genai.DeleteFileResponse{}, nil
}
