// Package main API Server 入口
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"deploy-admin/internal/apiserver/action"
	"deploy-admin/internal/apiserver/configsource"
	"deploy-admin/internal/apiserver/executor"
	"deploy-admin/internal/apiserver/server"
	"deploy-admin/internal/config"
	"deploy-admin/internal/shared/docker"
	"deploy-admin/internal/shared/eventbus"
	"deploy-admin/internal/shared/model"
	"deploy-admin/internal/shared/objstore"
	"deploy-admin/internal/shared/storage"
	"deploy-admin/internal/shared/storage/mongostore"
	"deploy-admin/internal/shared/storage/repository"

	postgresdriver "deploy-admin/internal/shared/storage/driver/postgres"
	sqlitedriver "deploy-admin/internal/shared/storage/driver/sqlite"
)

func main() {
	// 加载配置（自动加载 .env，根据 APP_ENV 切换数据库等）
	cfg := config.Load()

	log.Printf("Starting API Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	// 初始化持久化存储（postgres / sqlite / mongo）
	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()
	log.Printf("Connected to %s store", cfg.DatabaseDriver)

	// 初始化流水线定义来源（file / etcd）
	provider, err := openProvider(cfg)
	if err != nil {
		log.Fatalf("Failed to open pipeline source: %v", err)
	}
	defer provider.Close()

	// 进程内事件总线 + 指标
	bus := eventbus.NewMemoryBus()
	metrics := server.NewMetrics("deploy_admin")

	// 步骤日志归档（可选，MinIO 不可用时日志只留在本地）
	var artifacts *objstore.Client
	if cfg.MinIO.Endpoint != "" {
		artifacts, err = objstore.NewClient(cfg.MinIO, cfg.MinIOAccessKey, cfg.MinIOSecretKey)
		if err != nil {
			log.Printf("MinIO unavailable, step logs stay local: %v", err)
			artifacts = nil
		} else {
			log.Println("Connected to MinIO")
		}
	}

	// 动作注册表
	registry := buildRegistry(cfg)

	// 执行引擎
	var engine *executor.Executor
	engine = executor.New(executor.Config{
		Store:          store,
		Provider:       provider,
		Registry:       registry,
		Bus:            bus,
		Artifacts:      artifacts,
		LogDir:         cfg.Engine.LogDir,
		DefaultTimeout: cfg.Engine.DefaultTimeout,
		OnRunStarted: func(namespace, pipelineID string) {
			metrics.RecordRunTriggered(namespace, pipelineID)
			metrics.SetActiveRuns(engine.ActiveCount())
		},
		OnRunFinished: func(status model.RunStatus, duration time.Duration) {
			metrics.RecordRunFinished(string(status), duration)
			metrics.SetActiveRuns(engine.ActiveCount())
		},
	})

	// 启动恢复：上一进程崩溃遗留的孤儿 Run 强制置为 failed
	if err := engine.RecoverStaleRuns(context.Background()); err != nil {
		log.Fatalf("Failed to recover stale runs: %v", err)
	}

	h := server.NewHandler(store, provider, engine, bus, metrics)

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 优雅关闭：先停 HTTP，再取消在途执行并等待落库
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}

		graceCtx, graceCancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownGrace)
		defer graceCancel()
		engine.ShutdownAll(graceCtx)
	}()

	log.Printf("API Server listening on :%s", cfg.APIPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	fmt.Println("Server stopped")
}

// openStore 按配置的驱动打开持久化存储
func openStore(cfg *config.Config) (storage.PersistentStore, error) {
	switch cfg.DatabaseDriver {
	case "sqlite":
		db, err := sqlitedriver.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		dialect := sqlitedriver.NewDialect()
		if err := dialect.AutoMigrate(db); err != nil {
			db.Close()
			return nil, err
		}
		return repository.NewStore(db, dialect), nil
	case "mongo":
		return mongostore.NewStore(cfg.MongoURL, cfg.MongoDatabase)
	default:
		db, err := postgresdriver.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		dialect := postgresdriver.NewDialect()
		if err := dialect.AutoMigrate(db); err != nil {
			db.Close()
			return nil, err
		}
		return repository.NewStore(db, dialect), nil
	}
}

// openProvider 按配置打开流水线定义来源
func openProvider(cfg *config.Config) (configsource.Provider, error) {
	if cfg.Pipelines.Source == "etcd" {
		return configsource.NewEtcdSource(configsource.EtcdConfig{
			Endpoints: cfg.EtcdEndpoints,
			Prefix:    cfg.EtcdPrefix,
		})
	}
	return configsource.NewFileSource(cfg.Pipelines.Dir)
}

// buildRegistry 注册全部可用动作
//
// Docker 与 Redis 属于可选基础设施：连不上时相应动作不注册，
// 流水线里引用它们的步骤会被软跳过而不是失败。
func buildRegistry(cfg *config.Config) *action.Registry {
	registry := action.NewRegistry()
	registry.MustRegister(action.NewPipelineTrigger())

	dockerClient, err := docker.NewClient()
	if err != nil {
		log.Printf("Docker unavailable, container actions disabled: %v", err)
	} else {
		registry.MustRegister(action.NewImageBuild(dockerClient))
		registry.MustRegister(action.NewServiceDeploy(dockerClient))
		registry.MustRegister(action.NewTaskRun(dockerClient))
		log.Println("Connected to Docker")
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("Invalid Redis URL, cache actions disabled: %v", err)
		return registry
	}
	redisClient := redis.NewClient(redisOpts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Printf("Redis unavailable, cache actions disabled: %v", err)
		redisClient.Close()
		return registry
	}
	registry.MustRegister(action.NewCachePurge(redisClient))
	log.Println("Connected to Redis")

	return registry
}
