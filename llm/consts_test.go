package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	pb "github.com/ziyixi/protos/go/todofy"
)

func TestLLMConstants(t *testing.T) {
	t.Run("llmModelNames contains expected models", func(t *testing.T) {
		assert.Len(t, llmModelNames, 3)
		assert.Equal(t, "gemini-2.5-pro", llmModelNames[pb.Model_MODEL_GEMINI_2_5_PRO])
		assert.Equal(t, "gemini-2.5-flash", llmModelNames[pb.Model_MODEL_GEMINI_2_5_FLASH])
		assert.Equal(t, "gemini-2.5-flash-lite", llmModelNames[pb.Model_MODEL_GEMINI_2_5_FLASH_LITE])
	})

	t.Run("cheapest model is tried first", func(t *testing.T) {
		assert.Equal(t, []pb.Model{
			pb.Model_MODEL_GEMINI_2_5_FLASH_LITE,
			pb.Model_MODEL_GEMINI_2_5_FLASH,
			pb.Model_MODEL_GEMINI_2_5_PRO,
		}, llmModelPriority)
	})

	t.Run("supportedModelFamily contains only Gemini", func(t *testing.T) {
		assert.Equal(t, []pb.ModelFamily{pb.ModelFamily_MODEL_FAMILY_GEMINI}, supportedModelFamily)
	})

	t.Run("tokenLimit has reasonable value", func(t *testing.T) {
		assert.Equal(t, int32(1048576), tokenLimit)
	})
}

func TestLLMModelMappings(t *testing.T) {
	for _, model := range llmModelPriority {
		name, exists := llmModelNames[model]
		assert.True(t, exists, "Priority model %v should have a corresponding name mapping", model)
		assert.Contains(t, name, "gemini")
	}
}
