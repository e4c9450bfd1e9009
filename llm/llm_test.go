package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pb "github.com/ziyixi/protos/go/todofy"
	"github.com/ziyixi/quotaguard/quota"
)

func withAPIKey(t *testing.T, key string) {
	t.Helper()
	original := *geminiAPIKey
	*geminiAPIKey = key
	t.Cleanup(func() { *geminiAPIKey = original })
}

func TestLLMServer_Summarize(t *testing.T) {
	t.Run("unsupported model family", func(t *testing.T) {
		server := &llmServer{}

		resp, err := server.Summarize(context.Background(), &pb.LLMSummaryRequest{
			ModelFamily: pb.ModelFamily_MODEL_FAMILY_UNSPECIFIED,
			Text:        "Content to summarize",
			Prompt:      "Please summarize this text:",
		})

		assert.Error(t, err)
		assert.Nil(t, resp)
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
		assert.Contains(t, err.Error(), "unsupported model family")
	})

	t.Run("missing API key is reported", func(t *testing.T) {
		withAPIKey(t, "")
		server := &llmServer{}

		resp, err := server.Summarize(context.Background(), &pb.LLMSummaryRequest{
			ModelFamily: pb.ModelFamily_MODEL_FAMILY_GEMINI,
			Text:        "Content to summarize",
			Prompt:      "Please summarize this text:",
			Model:       pb.Model_MODEL_GEMINI_2_5_PRO,
		})

		assert.Error(t, err)
		assert.Nil(t, resp)
		assert.NotContains(t, err.Error(), "unsupported model family")
	})
}

func TestLLMServer_SummaryInternal(t *testing.T) {
	t.Run("validates model in list", func(t *testing.T) {
		server := &llmServer{}

		summary, model, err := server.summaryInternal(
			context.Background(),
			pb.ModelFamily_MODEL_FAMILY_GEMINI,
			"prompt",
			"text",
			[]pb.Model{pb.Model_MODEL_UNSPECIFIED},
			1024,
		)

		assert.Error(t, err)
		assert.Empty(t, summary)
		assert.Equal(t, pb.Model_MODEL_UNSPECIFIED, model)
		assert.Contains(t, err.Error(), "unsupported model")
	})

	t.Run("limiter must be configured", func(t *testing.T) {
		withAPIKey(t, "test-api-key")
		server := &llmServer{}

		summary, err := server.summaryByGemini(
			context.Background(), "prompt", "text", pb.Model_MODEL_GEMINI_2_5_FLASH, 1024)

		assert.Empty(t, summary)
		assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	})
}

func TestLLMServer_TryGenerateSummary(t *testing.T) {
	server := &llmServer{}

	summary, err := server.tryGenerateSummary(
		context.Background(),
		pb.ModelFamily_MODEL_FAMILY_UNSPECIFIED,
		"prompt",
		"text",
		pb.Model_MODEL_GEMINI_2_5_PRO,
		1024,
	)

	assert.Error(t, err)
	assert.Empty(t, summary)
	assert.Contains(t, err.Error(), "unsupported model family")
}

func TestLLMServer_SummaryByGemini(t *testing.T) {
	t.Run("fails without API key", func(t *testing.T) {
		withAPIKey(t, "")
		server := &llmServer{}

		summary, err := server.summaryByGemini(
			context.Background(), "prompt", "content", pb.Model_MODEL_GEMINI_2_5_PRO, 1024)

		assert.Error(t, err)
		assert.Empty(t, summary)
		assert.Contains(t, err.Error(), "gemini-api-key is empty")
	})

	t.Run("fails with unsupported model", func(t *testing.T) {
		withAPIKey(t, "test-api-key")
		server := &llmServer{}

		summary, err := server.summaryByGemini(
			context.Background(), "prompt", "content", pb.Model_MODEL_UNSPECIFIED, 1024)

		assert.Error(t, err)
		assert.Empty(t, summary)
		assert.Contains(t, err.Error(), "unsupported model")
	})
}

func TestGenerateStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{
			name: "impossible request",
			err:  &quota.ImpossibleError{Model: "m", PromptTokens: 10, TPM: 5},
			code: codes.ResourceExhausted,
		},
		{
			name: "deadline",
			err:  fmt.Errorf("waiting: %w", context.DeadlineExceeded),
			code: codes.DeadlineExceeded,
		},
		{
			name: "canceled",
			err:  context.Canceled,
			code: codes.Canceled,
		},
		{
			name: "backend failure",
			err:  errors.New("boom"),
			code: codes.Unknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := generateStatus(tt.err)
			require.Error(t, err)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}
