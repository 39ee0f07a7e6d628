// Package main is the entry point for the llmrouter gateway.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/howard-nolan/llmrouter/internal/admission"
	"github.com/howard-nolan/llmrouter/internal/breaker"
	"github.com/howard-nolan/llmrouter/internal/cache"
	"github.com/howard-nolan/llmrouter/internal/config"
	"github.com/howard-nolan/llmrouter/internal/orchestrator"
	"github.com/howard-nolan/llmrouter/internal/pool"
	"github.com/howard-nolan/llmrouter/internal/provider"
	"github.com/howard-nolan/llmrouter/internal/queue"
	"github.com/howard-nolan/llmrouter/internal/ratelimit"
	"github.com/howard-nolan/llmrouter/internal/server"
	"github.com/howard-nolan/llmrouter/internal/sharedstore"
	"github.com/howard-nolan/llmrouter/internal/tracker"
	"github.com/howard-nolan/llmrouter/internal/validator"
)

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	store := sharedstore.New(rdb)

	logger := log.Default()

	breakers := breaker.New(store, breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
	}, logger)

	providers := provider.NewRegistry(breakers)
	modelWhitelist := make(map[string][]string)
	providerWhitelist := make(map[string]bool)

	// constructors maps provider names (from config) to the
	// function that creates them. This avoids a big if/else chain and
	// makes it easy to add new providers later — just add an entry here.
	constructors := map[string]func(apiKey, baseURL string) provider.Provider{
		"google": func(apiKey, baseURL string) provider.Provider {
			return provider.NewGoogleProvider(apiKey, baseURL, http.DefaultClient)
		},
		"anthropic": func(apiKey, baseURL string) provider.Provider {
			return provider.NewAnthropicProvider(apiKey, baseURL, http.DefaultClient)
		},
	}

	for name, provCfg := range cfg.Providers {
		constructor, ok := constructors[name]
		if !ok {
			log.Fatalf("unknown provider in config: %q", name)
		}
		apiKey, baseURL, models := provCfg.APIKey, provCfg.BaseURL, provCfg.Models
		providers.Register(name, func(c provider.Config) provider.Provider {
			return constructor(c.APIKey, c.BaseURL)
		}, provider.Config{Name: name, Models: models, APIKey: apiKey, BaseURL: baseURL})

		providerWhitelist[name] = true
		for _, model := range models {
			modelWhitelist[model] = append(modelWhitelist[model], name)
			log.Printf("registered model %q -> provider %q", model, name)
		}
	}

	v := validator.New(validator.Config{Models: modelWhitelist, ProviderWhitelist: providerWhitelist})

	c := cache.New(store, cfg.Cache.L1.MaxSize, time.Duration(cfg.Cache.TTLSeconds)*time.Second, logger)

	p := pool.New(store, pool.Config{
		GlobalMax:  cfg.Pool.GlobalMax,
		PerUserMax: cfg.Pool.PerUserMax,
		DegradedAt: cfg.Pool.DegradedAt,
		CriticalAt: cfg.Pool.CriticalAt,
	}, logger)

	rl := ratelimit.New(store, cfg.TierLimits(), "free", nil)

	t := tracker.New(cfg.Tracker.SampleRate, 10_000)

	shedder := admission.NewShedder(admission.ShedderConfig{
		Enabled:     cfg.LoadShed.Enabled,
		MaxInFlight: cfg.LoadShed.MaxInFlight,
	})

	queueCfg := queue.Config{
		Enabled:        cfg.Queue.Failover.Enabled,
		TotalTimeout:   time.Duration(cfg.Queue.Failover.TimeoutSeconds) * time.Second,
		MaxRetries:     cfg.Queue.Failover.MaxRetries,
		HeartbeatEvery: 15 * time.Second,
		MaxDepth:       cfg.Queue.MaxDepth,
		BatchSize:      8,
	}
	var submitter *queue.Submitter
	if queueCfg.Enabled {
		bpCfg := admission.DefaultBackpressureConfig()
		bpCfg.ThresholdRatio = cfg.Queue.BackpressureThresholdRatio
		bpCfg.MaxDepth = cfg.Queue.MaxDepth
		submitter = queue.NewSubmitter(store, queueCfg, bpCfg, logger)
	}

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.QueueEnabled = queueCfg.Enabled
	orch := orchestrator.New(v, c, p, rl, providers, breakers, t, submitter, orchCfg, logger)

	// The failover worker side (spec §4.5 step 2) runs RunLocalOnly against
	// jobs any instance in the fleet published, including this one's own
	// submissions looped back. Only started when failover is enabled.
	var worker *queue.Worker
	if queueCfg.Enabled {
		worker = queue.NewWorker(store, queueCfg, logger, orch.RunLocalOnly)
	}

	srv := server.New(cfg, orch, t, store, shedder, cfg.Tracker.SampleRate)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if worker != nil {
		go worker.Start(ctx)
	}

	go func() {
		log.Printf("llmrouter listening on :%d", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
