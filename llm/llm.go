package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"google.golang.org/genai"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pb "github.com/ziyixi/protos/go/todofy"
	"github.com/ziyixi/quotaguard/quota"
	"github.com/ziyixi/quotaguard/throttle"
	"github.com/ziyixi/quotaguard/utils"
)

var log = logrus.New()
var GitCommit string // Will be set by Bazel at build time

// initLogger initializes the logger configuration
func initLogger() {
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

var (
	port           = flag.Int("port", 50051, "The server port of the LLM service")
	geminiAPIKey   = flag.String("gemini-api-key", "", "The API key for Gemini")
	tierConfigPath = flag.String("tier-config", "models_config.json", "Path to the per-tier model limits (json or yaml)")
	tier           = flag.String("tier", "free", "The quota tier to enforce")
	stateBackend   = flag.String("state-backend", utils.StateBackendFile, "Where usage history is kept: file, sqlite or redis")
	statePath      = flag.String("state-path", "rate_limit_state.json", "Path of the usage history file or sqlite database")
	redisAddr      = flag.String("redis-addr", "localhost:6379", "Redis address when state-backend is redis")
	metricsPort    = flag.Int("metrics-port", 0, "Serve Prometheus metrics on this port, 0 disables")
)

// backendFactory builds the model backend for one request
type backendFactory func(ctx context.Context, apiKey string) (throttle.Backend, error)

type llmServer struct {
	pb.LLMSummaryServiceServer

	limiter    *quota.Limiter
	newBackend backendFactory
}

func newLLMServer(limiter *quota.Limiter) *llmServer {
	return &llmServer{
		limiter:    limiter,
		newBackend: throttle.NewGeminiBackend,
	}
}

func (s *llmServer) Summarize(ctx context.Context, req *pb.LLMSummaryRequest) (*pb.LLMSummaryResponse, error) {
	if !slices.Contains(supportedModelFamily, req.ModelFamily) {
		return nil, status.Errorf(codes.InvalidArgument, "unsupported model family: %s", req.ModelFamily)
	}

	if req.MaxTokens < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "max tokens must not be negative: %d", req.MaxTokens)
	}
	maxTokens := tokenLimit
	if req.MaxTokens != 0 {
		maxTokens = req.MaxTokens
	}

	selectedModels := llmModelPriority
	if req.Model != pb.Model_MODEL_UNSPECIFIED {
		selectedModels = []pb.Model{req.Model}
	}

	summary, model, err := s.summaryInternal(ctx, req.ModelFamily, req.Prompt, req.Text, selectedModels, maxTokens)
	if err != nil {
		return nil, status.Errorf(status.Code(err), "failed to generate summary: %v", err)
	}

	return &pb.LLMSummaryResponse{Summary: summary, Model: model}, nil
}

func (s *llmServer) summaryInternal(ctx context.Context, modelFamily pb.ModelFamily,
	prompt, text string, models []pb.Model, maxTokens int32) (string, pb.Model, error) {
	var lastErr error
	exhausted := true
	for i, model := range models {
		if _, ok := llmModelNames[model]; !ok {
			return "", pb.Model_MODEL_UNSPECIFIED, status.Errorf(codes.InvalidArgument, "unsupported model: %s", model)
		}

		summary, err := s.tryGenerateSummary(ctx, modelFamily, prompt, text, model, maxTokens)
		if err != nil {
			lastErr = err
			exhausted = exhausted && status.Code(err) == codes.ResourceExhausted
			if code := status.Code(err); code == codes.DeadlineExceeded || code == codes.Canceled {
				return "", pb.Model_MODEL_UNSPECIFIED, err
			}
			log.Warningf("Error generating summary with model %s: %v", model, err)
			if i < len(models)-1 {
				if err := sleepContext(ctx, modelRetryDelay); err != nil {
					return "", pb.Model_MODEL_UNSPECIFIED, contextStatus(err)
				}
			}
			continue
		}
		if summary != "" {
			log.Infof("Successfully generated summary with model %s", model)
			return summary, model, nil
		}
	}
	log.Errorf("Failed to generate summary with all models")
	if lastErr != nil && exhausted {
		return "", pb.Model_MODEL_UNSPECIFIED, lastErr
	}
	return "", pb.Model_MODEL_UNSPECIFIED, status.Errorf(codes.Internal,
		"failed to generate summary with all models: %v", models)
}

func (s *llmServer) tryGenerateSummary(ctx context.Context, modelFamily pb.ModelFamily,
	prompt, text string, model pb.Model, maxTokens int32) (string, error) {
	switch modelFamily {
	case pb.ModelFamily_MODEL_FAMILY_GEMINI:
		return s.summaryByGemini(ctx, prompt, text, model, maxTokens)
	default:
		return "", status.Errorf(codes.InvalidArgument, "unsupported model family: %s", modelFamily)
	}
}

func (s *llmServer) summaryByGemini(ctx context.Context, prompt, content string,
	llmModel pb.Model, maxTokens int32) (string, error) {
	if *geminiAPIKey == "" {
		return "", status.Error(codes.InvalidArgument, "gemini-api-key is empty")
	}

	llmModelName, ok := llmModelNames[llmModel]
	if !ok {
		return "", status.Errorf(codes.InvalidArgument, "unsupported model: %s", llmModel)
	}

	if s.limiter == nil {
		return "", status.Error(codes.FailedPrecondition, "quota limiter is not configured")
	}

	backend, err := s.newBackend(ctx, *geminiAPIKey)
	if err != nil {
		return "", fmt.Errorf("failed to create Gemini client: %w", err)
	}
	client := throttle.NewClient(backend, s.limiter, throttle.WithLogger(log))

	contentWithPrompt := fmt.Sprintf("%s\n%s", prompt, content)
	contents := genai.Text(contentWithPrompt)

	// Count tokens first, the quota is only charged for the truncated prompt
	tokens, err := client.Models.CountTokens(ctx, llmModelName, contents, nil)
	if err != nil {
		return "", fmt.Errorf("failed to count tokens: %w", err)
	}

	for int32(tokens) > maxTokens && contentWithPrompt != "" {
		contentWithPrompt = truncateText(contentWithPrompt)
		contents = genai.Text(contentWithPrompt)
		tokens, err = client.Models.CountTokens(ctx, llmModelName, contents, nil)
		if err != nil {
			return "", fmt.Errorf("failed to count tokens: %w", err)
		}
	}

	resp, err := client.Models.GenerateContent(ctx, llmModelName, contents, nil)
	if err != nil {
		return "", generateStatus(err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("no content generated")
	}

	if len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no content parts generated")
	}

	return resp.Candidates[0].Content.Parts[0].Text, nil
}

// truncateText drops the last tenth of s without splitting a rune.
func truncateText(s string) string {
	cut := len(s) / 10 * 9
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// generateStatus maps admission failures onto gRPC codes
func generateStatus(err error) error {
	switch {
	case errors.Is(err, quota.ErrQuotaImpossible):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return contextStatus(err)
	default:
		return fmt.Errorf("failed to generate content: %w", err)
	}
}

func contextStatus(err error) error {
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.DeadlineExceeded, err.Error())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	log.Infof("Serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("metrics server stopped: %v", err)
	}
}

func main() {
	initLogger()
	flag.Parse()

	tiers, err := quota.LoadTierConfig(*tierConfigPath)
	if err != nil {
		log.Fatalf("failed to load tier config: %v", err)
	}

	store, closer, err := utils.OpenStore(utils.StoreConfig{
		Backend:   *stateBackend,
		Path:      *statePath,
		RedisAddr: *redisAddr,
	})
	if err != nil {
		log.Fatalf("failed to open quota store: %v", err)
	}
	defer func() {
		if err := closer.Close(); err != nil {
			log.Warnf("failed to close quota store: %v", err)
		}
	}()

	limiter := quota.NewLimiter(store, tiers, *tier,
		quota.WithLogger(log),
		quota.WithMetrics(quota.NewMetrics(prometheus.DefaultRegisterer)),
	)
	log.Infof("Enforcing tier %s with %s state (commit %s)", limiter.Tier(), *stateBackend, GitCommit)

	if *metricsPort > 0 {
		go serveMetrics(*metricsPort)
	}

	err = utils.StartGRPCServer[pb.LLMSummaryServiceServer](
		*port,
		newLLMServer(limiter),
		pb.RegisterLLMSummaryServiceServer,
		grpc.UnaryInterceptor(utils.LoggingInterceptor(log)),
	)
	if err != nil {
		log.Fatalf("server error: %v", err)
	}
}
