package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pb "github.com/ziyixi/protos/go/todofy"
	"github.com/ziyixi/quotaguard/utils"
)

// SummarizeRequest is the body of POST /api/summarize
type SummarizeRequest struct {
	Text      string `json:"text" binding:"required"`
	Prompt    string `json:"prompt"`
	Model     string `json:"model"`
	MaxTokens int32  `json:"max_tokens" binding:"min=0"`
}

// HandleSummarize forwards a summary request to the LLM service, which waits
// for quota before calling the model.
func HandleSummarize(c *gin.Context) {
	clients := c.MustGet(utils.KeyGRPCClients).(ClientProvider)

	var req SummarizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	model := pb.Model_MODEL_UNSPECIFIED
	if req.Model != "" {
		value, ok := pb.Model_value[req.Model]
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown model " + req.Model})
			return
		}
		model = pb.Model(value)
	}
	prompt := req.Prompt
	if prompt == "" {
		prompt = utils.DefaultPromptToSummarize
	}

	llmClient := clients.GetClient("llm").(pb.LLMSummaryServiceClient)
	resp, err := llmClient.Summarize(c.Request.Context(), &pb.LLMSummaryRequest{
		ModelFamily: pb.ModelFamily_MODEL_FAMILY_GEMINI,
		Model:       model,
		Prompt:      prompt,
		Text:        req.Text,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		c.JSON(httpStatus(err), gin.H{"error in summarizing": status.Convert(err).Message()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": resp.Summary, "model": resp.Model.String()})
}

func httpStatus(err error) int {
	switch status.Code(err) {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
