// Command orchestratord runs the orchestrator as a standalone process:
// it assembles every collaborator package from internal/config, starts
// the HTTP API, and blocks until an interrupt triggers a graceful
// shutdown. Wiring follows the teacher's own cmd/example: build the
// collaborators, initialize, start, log, done — no framework beyond
// what each package already provides.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/oauth2"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/capsulecraft/orchestrator/internal/api"
	"github.com/capsulecraft/orchestrator/internal/config"
	"github.com/capsulecraft/orchestrator/internal/logging"
	"github.com/capsulecraft/orchestrator/internal/telemetryx"
	"github.com/capsulecraft/orchestrator/pkg/breaker"
	"github.com/capsulecraft/orchestrator/pkg/capsule"
	"github.com/capsulecraft/orchestrator/pkg/corekit"
	"github.com/capsulecraft/orchestrator/pkg/executor"
	"github.com/capsulecraft/orchestrator/pkg/governor"
	"github.com/capsulecraft/orchestrator/pkg/hap"
	"github.com/capsulecraft/orchestrator/pkg/llm"
	"github.com/capsulecraft/orchestrator/pkg/llm/anthropic"
	"github.com/capsulecraft/orchestrator/pkg/llm/bedrock"
	"github.com/capsulecraft/orchestrator/pkg/memory"
	"github.com/capsulecraft/orchestrator/pkg/sandbox"
	"github.com/capsulecraft/orchestrator/pkg/store"
	"github.com/capsulecraft/orchestrator/pkg/tierrouter"
	"github.com/capsulecraft/orchestrator/pkg/validator"
	"github.com/capsulecraft/orchestrator/pkg/vcs"
	"github.com/capsulecraft/orchestrator/pkg/workflow"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("orchestratord: config: %v", err)
	}

	logger := logging.New(cfg.Telemetry.ServiceName, cfg.Logging.Level, cfg.Logging.Format, time.Second)
	logger.Info("starting orchestratord", map[string]interface{}{"port": cfg.Port, "address": cfg.Address})

	var telemetry corekit.Telemetry = corekit.NoOpTelemetry{}
	if cfg.Telemetry.Enabled {
		tx, err := telemetryx.New(cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.SamplingRatio)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without it", map[string]interface{}{"error": err.Error()})
		} else {
			telemetry = tx
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tx.Shutdown(ctx)
			}()
		}
	}

	sys, err := buildCollaborators(cfg, logger, telemetry)
	if err != nil {
		log.Fatalf("orchestratord: %v", err)
	}

	engine := workflow.New(workflow.Deps{
		Store:        sys.store,
		Memory:       sys.memory,
		DecomposeLLM: sys.decomposeLLM,
		ExecutorDeps: sys.executorDeps,
		Assembler:    sys.assembler,
		Delivery:     sys.delivery,
		Logger:       logger,
		Config: workflow.Config{
			MaxConcurrentTasks: cfg.Workflow.MaxConcurrentTasks,
			CheckpointEvery:    cfg.Workflow.CheckpointEvery,
			ReviewThreshold:    cfg.Workflow.ReviewThreshold,
			TWorkflow:          cfg.Workflow.TWorkflow,
			TActivity:          cfg.Workflow.TActivity,
			THeartbeat:         cfg.Workflow.THeartbeat,
			TCancelGrace:       cfg.Workflow.TCancelGrace,
			TCancelCheck:       cfg.Workflow.TCancelCheck,
		},
	})

	server := api.New(engine, logger, api.Config{
		Addr:            cfg.Address + ":" + strconv.Itoa(cfg.Port),
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		IdleTimeout:     cfg.HTTP.IdleTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("orchestratord: server error: %v", err)
		}
	case sig := <-sigCh:
		logger.Info("shutting down", map[string]interface{}{"signal": sig.String()})
		ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Stop(ctx); err != nil {
			logger.Error("shutdown error", map[string]interface{}{"error": err.Error()})
		}
	}
}

// collaborators bundles the pieces buildCollaborators assembles, so
// main's wiring of workflow.Deps stays in one place.
type collaborators struct {
	store        store.Store
	memory       memory.Store
	decomposeLLM workflow.DecomposeLLM
	executorDeps executor.Deps
	assembler    *capsule.Assembler
	delivery     *capsule.Delivery
}

func buildCollaborators(cfg *config.Config, logger corekit.ComponentAwareLogger, telemetry corekit.Telemetry) (*collaborators, error) {
	sys := &collaborators{}

	if cfg.Store.RedisURL != "" {
		rs, err := store.NewRedisStore(store.RedisConfig{URL: cfg.Store.RedisURL, KeyPrefix: cfg.Store.KeyPrefix})
		if err != nil {
			return nil, err
		}
		sys.store = rs
	} else {
		sys.store = store.NewInMemoryStore()
		logger.Warn("no store.redis_url configured, using in-memory store (not durable across restarts)", nil)
	}

	if cfg.Store.RedisURL != "" {
		ms, err := memory.NewRedisStore(cfg.Store.RedisURL, cfg.Store.KeyPrefix+":memory")
		if err != nil {
			logger.Error("memory store unavailable, prior-outcome lookup disabled", map[string]interface{}{"error": err.Error()})
		} else {
			sys.memory = ms
		}
	} else {
		sys.memory = memory.NewInMemoryStore()
	}

	providers, decomposeLLM := buildLLMProviders(cfg, logger)

	hapFilter := hap.New(hap.Config{})
	gov := governor.NewGovernor(governor.Config{
		Providers:     defaultProviderLimits(cfg, providers),
		Logger:        logger,
		Telemetry:     telemetry,
	})
	breakers := breaker.NewSet(breaker.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		RecoveryTimeout:  cfg.Circuit.RecoveryTimeout,
	}, nil, logger)
	router := tierrouter.New(tierrouter.Config{})
	val := validator.New()
	sb := sandbox.New(os.TempDir())

	sys.decomposeLLM = decomposeLLM
	sys.executorDeps = executor.Deps{
		HAP:       hapFilter,
		Governor:  gov,
		Breakers:  breakers,
		Router:    router,
		Providers: providers,
		Validator: val,
		Sandbox:   sb,
		Logger:    logger,
		// WErr/WLowCoverage/WThrottle are set alongside ReviewThreshold
		// deliberately: executor.New only fills in its full default
		// Config when the caller passes an entirely zero Config, so
		// overriding just the threshold here would silently zero out
		// the confidence weights instead of adjusting the gate.
		Config: executor.Config{
			WErr:            0.2,
			WLowCoverage:    0.3,
			WThrottle:       0.1,
			ReviewThreshold: cfg.Workflow.ReviewThreshold,
			RetryMax:        3,
			RetryBaseDelay:  500 * time.Millisecond,
			RetryCapDelay:   10 * time.Second,
			SandboxKinds:    map[string]bool{"code": true, "sandbox_check": true},
		},
	}

	organizer := capsule.LLMOrganizer{Client: decomposeLLM}
	sys.assembler = capsule.NewAssembler(organizer, []byte(cfg.Capsule.SigningSecret))

	if cfg.VCS.GitHubToken != "" {
		httpClient := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.VCS.GitHubToken}))
		target := vcs.NewGitHubTarget(httpClient, cfg.VCS.Owner, vcs.WithLogger(logger), vcs.WithTelemetry(telemetry))
		sys.delivery = capsule.NewDelivery(target, breakers)
	}

	return sys, nil
}

// buildLLMProviders registers every LLM backend whose credentials are
// present — an empty API key or region simply leaves that provider out
// of the tier router's preference list rather than failing startup.
func buildLLMProviders(cfg *config.Config, logger corekit.ComponentAwareLogger) ([]llm.Provider, workflow.DecomposeLLM) {
	var providers []llm.Provider
	var primary llm.Provider

	if cfg.LLM.AnthropicAPIKey != "" {
		c := anthropic.NewClient(cfg.LLM.AnthropicAPIKey)
		providers = append(providers, c)
		primary = c
	}
	if cfg.LLM.BedrockEnabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.LLM.BedrockRegion))
		if err != nil {
			logger.Error("bedrock config load failed, provider disabled", map[string]interface{}{"error": err.Error()})
		} else {
			c := bedrock.NewClient(awsCfg, logger)
			providers = append(providers, c)
			if primary == nil {
				primary = c
			}
		}
	}
	if primary == nil {
		logger.Warn("no LLM provider credentials configured; decomposition falls back to the rule-based planner and every task dispatch will fail closed", nil)
		return providers, nil
	}
	return providers, llm.TaskGraphAdapter{Provider: primary, Model: ""}
}

func defaultProviderLimits(cfg *config.Config, providers []llm.Provider) map[string]governor.ProviderLimits {
	limits := make(map[string]governor.ProviderLimits, len(providers))
	for _, p := range providers {
		limits[p.Name()] = governor.ProviderLimits{
			ConcurrencyLimit: cfg.Governor.DefaultConcurrency,
			RPSLimit:         int(cfg.Governor.DefaultRPSLimit),
			RPSFloor:         int(cfg.Governor.DefaultRPSFloor),
			TPMLimit:         int64(cfg.Governor.DefaultTPMLimit),
		}
	}
	return limits
}
