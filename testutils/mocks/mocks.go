// Package mocks provides mock implementations for testing
package mocks

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
	"google.golang.org/genai"
	"google.golang.org/grpc"

	pb "github.com/ziyixi/protos/go/todofy"
	"github.com/ziyixi/quotaguard/throttle"
)

// MockLLMSummaryServiceClient is a mock implementation of LLMSummaryServiceClient
type MockLLMSummaryServiceClient struct {
	mock.Mock
}

// Summarize generates a summary using the mock LLM service
func (m *MockLLMSummaryServiceClient) Summarize(
	ctx context.Context,
	in *pb.LLMSummaryRequest,
	opts ...grpc.CallOption,
) (*pb.LLMSummaryResponse, error) {
	args := m.Called(ctx, in, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pb.LLMSummaryResponse), args.Error(1)
}

// MockGRPCClients is a mock implementation of GRPCClients. Clients set with
// SetClient are returned directly, anything else goes through the mock.
type MockGRPCClients struct {
	mock.Mock
	clients map[string]any
}

// NewMockGRPCClients creates a new mock gRPC clients container for testing
func NewMockGRPCClients() *MockGRPCClients {
	return &MockGRPCClients{
		clients: make(map[string]any),
	}
}

// GetClient retrieves a mock client by name
func (m *MockGRPCClients) GetClient(name string) any {
	if client, ok := m.clients[name]; ok {
		return client
	}
	args := m.Called(name)
	return args.Get(0)
}

// SetClient sets a mock client by name for testing
func (m *MockGRPCClients) SetClient(name string, client any) {
	m.clients[name] = client
}

// MockBackend is a mock implementation of throttle.Backend
type MockBackend struct {
	mock.Mock
}

// CountTokens counts tokens using the mock backend
func (m *MockBackend) CountTokens(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	config *genai.GenerateContentConfig,
) (int, error) {
	args := m.Called(ctx, model, contents, config)
	return args.Int(0), args.Error(1)
}

// GenerateContent generates content using the mock backend
func (m *MockBackend) GenerateContent(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	config *genai.GenerateContentConfig,
) (*genai.GenerateContentResponse, error) {
	args := m.Called(ctx, model, contents, config)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*genai.GenerateContentResponse), args.Error(1)
}

// CreateChat starts a chat session using the mock backend
func (m *MockBackend) CreateChat(
	ctx context.Context,
	model string,
	config *genai.GenerateContentConfig,
	history []*genai.Content,
) (throttle.Session, error) {
	args := m.Called(ctx, model, config, history)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(throttle.Session), args.Error(1)
}

// Files returns the mock file service
func (m *MockBackend) Files() throttle.FileService {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(throttle.FileService)
}

// MockSession is a mock implementation of throttle.Session
type MockSession struct {
	mock.Mock
}

// History returns the mock chat history
func (m *MockSession) History(curated bool) []*genai.Content {
	args := m.Called(curated)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]*genai.Content)
}

// SendMessage sends a message using the mock chat session
func (m *MockSession) SendMessage(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	args := m.Called(ctx, parts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*genai.GenerateContentResponse), args.Error(1)
}

// MockFileService is a mock implementation of throttle.FileService
type MockFileService struct {
	mock.Mock
}

// Upload uploads a file using the mock file service
func (m *MockFileService) Upload(ctx context.Context, r io.Reader, config *genai.UploadFileConfig) (*genai.File, error) {
	args := m.Called(ctx, r, config)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*genai.File), args.Error(1)
}

// Get fetches file metadata using the mock file service
func (m *MockFileService) Get(ctx context.Context, name string, config *genai.GetFileConfig) (*genai.File, error) {
	args := m.Called(ctx, name, config)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*genai.File), args.Error(1)
}

// Delete removes a file using the mock file service
func (m *MockFileService) Delete(
	ctx context.Context,
	name string,
	config *genai.DeleteFileConfig,
) (*genai.DeleteFileResponse, error) {
	args := m.Called(ctx, name, config)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*genai.DeleteFileResponse), args.Error(1)
}
