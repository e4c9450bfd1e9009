// Command llm serves quota-throttled summaries over gRPC.
package main

import (
	"time"

	pb "github.com/ziyixi/protos/go/todofy"
)

var (
	llmModelNames = map[pb.Model]string{
		pb.Model_MODEL_GEMINI_2_5_PRO:        "gemini-2.5-pro",
		pb.Model_MODEL_GEMINI_2_5_FLASH:      "gemini-2.5-flash",
		pb.Model_MODEL_GEMINI_2_5_FLASH_LITE: "gemini-2.5-flash-lite",
	}
	llmModelPriority = []pb.Model{
		pb.Model_MODEL_GEMINI_2_5_FLASH_LITE,
		pb.Model_MODEL_GEMINI_2_5_FLASH,
		pb.Model_MODEL_GEMINI_2_5_PRO,
	}
	supportedModelFamily = []pb.ModelFamily{
		pb.ModelFamily_MODEL_FAMILY_GEMINI,
	}

	// modelRetryDelay separates attempts on consecutive models
	modelRetryDelay = time.Second
)

const (
	tokenLimit int32 = 1048576 // 1M input tokens, gemini-2.5 context window
)
