package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	pb "github.com/ziyixi/protos/go/todofy"
	"github.com/ziyixi/quotaguard/quota"
	"github.com/ziyixi/quotaguard/utils"
)

var log = logrus.New()

func init() {
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// Config holds all configuration parameters
type Config struct {
	AllowedUsers       string
	Port               int
	HealthCheckTimeout int
	LLMAddr            string

	TierConfigPath string
	Tier           string
	StateBackend   string
	StatePath      string
	RedisAddr      string
}

var (
	config    Config
	GitCommit string // Will be set by Bazel at build time
)

func init() {
	flag.StringVar(&config.AllowedUsers, "allowed-users", "", "Comma-separated list of allowed users in the format 'username:password'")
	flag.IntVar(&config.Port, "port", 8080, "Port to run the server on")
	flag.IntVar(&config.HealthCheckTimeout, "health-check-timeout", 10, "Timeout for health check in seconds")

	// GRPC addresses for the services
	flag.StringVar(&config.LLMAddr, "llm-addr", ":50051", "Address of the LLM server")

	// Shared quota state, must match the LLM service
	flag.StringVar(&config.TierConfigPath, "tier-config", "models_config.json", "Path to the per-tier model limits (json or yaml)")
	flag.StringVar(&config.Tier, "tier", "free", "The quota tier to report against")
	flag.StringVar(&config.StateBackend, "state-backend", utils.StateBackendFile, "Where usage history is kept: file, sqlite or redis")
	flag.StringVar(&config.StatePath, "state-path", "rate_limit_state.json", "Path of the usage history file or sqlite database")
	flag.StringVar(&config.RedisAddr, "redis-addr", "localhost:6379", "Redis address when state-backend is redis")
}

func setupGRPCClients() (*GRPCClients, error) {
	serviceConfigs := []ServiceConfig{
		{
			name: "llm",
			addr: config.LLMAddr,
			newClient: func(conn *grpc.ClientConn) any {
				return pb.NewLLMSummaryServiceClient(conn)
			},
		},
	}

	clients, err := NewGRPCClients(serviceConfigs)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC clients: %w", err)
	}

	return clients, nil
}

func newRegistry(limiter *quota.Limiter) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		quota.NewUsageCollector(limiter),
	)
	return reg
}

func setupRouter(allowedUsers gin.Accounts, clients ClientProvider, reporter QuotaReporter,
	gatherer prometheus.Gatherer) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	app := gin.Default()
	app.Use(quotaMiddleware(reporter))

	app.GET("/healthz", HandleHealth)
	app.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := app.Group("/api", gin.BasicAuth(allowedUsers))
	api.GET("/quota", HandleQuota)
	api.GET("/quota/:model", HandleModelQuota)
	api.GET("/tiers", HandleTiers)
	api.POST("/summarize", grpcMiddleware(clients), HandleSummarize)

	return app
}

func main() {
	log.Infof("Server Starting time: %s", time.Now().Format(time.RFC3339))
	flag.Parse()

	if config.AllowedUsers == "" {
		log.Fatal("No allowed users provided. Use --allowed-users flag to specify them.")
	}

	tiers, err := quota.LoadTierConfig(config.TierConfigPath)
	if err != nil {
		log.Fatalf("Failed to load tier config: %v", err)
	}
	store, closer, err := utils.OpenStore(utils.StoreConfig{
		Backend:   config.StateBackend,
		Path:      config.StatePath,
		RedisAddr: config.RedisAddr,
	})
	if err != nil {
		log.Fatalf("Failed to open quota store: %v", err)
	}
	defer func() {
		if err := closer.Close(); err != nil {
			log.Warnf("Failed to close quota store: %v", err)
		}
	}()
	limiter := quota.NewLimiter(store, tiers, config.Tier, quota.WithLogger(log))
	log.Infof("Reporting tier %s from %s state", limiter.Tier(), config.StateBackend)

	// Setup gRPC clients
	grpcClients, err := setupGRPCClients()
	if err != nil {
		log.Fatalf("Failed to create gRPC clients: %v", err)
	}
	defer grpcClients.Close()

	// Wait for healthy services
	timeout := time.Duration(config.HealthCheckTimeout) * time.Second
	if err := grpcClients.WaitForHealthy(context.Background(), timeout); err != nil {
		log.Fatalf("Failed to connect to gRPC services: %v", err)
	}
	log.Infof("Connected to gRPC services: %v", grpcClients.Names())

	// Parse and validate allowed users
	allowedUserMap, allowedUsersStrings, err := utils.ParseAllowedUsers(config.AllowedUsers)
	if err != nil {
		log.Fatalf("Invalid allowed users: %v", err)
	}
	log.Infof("Allowed users (hidden passwords): %s", allowedUsersStrings)

	// Setup and start the server
	app := setupRouter(allowedUserMap, grpcClients, limiter, newRegistry(limiter))
	listenAddr := fmt.Sprintf(":%d", config.Port)
	log.Infof("Git commit: %s", GitCommit)
	log.Infof("Gin has started in %s mode on %s", gin.Mode(), listenAddr)

	if err := app.Run(listenAddr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
