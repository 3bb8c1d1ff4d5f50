package bootstrap

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"paperchat/internal/ai"
	appsvc "paperchat/internal/app"
	"paperchat/internal/cache"
	"paperchat/internal/config"
	"paperchat/internal/model"
	"paperchat/internal/pkg/pdfextract"
	mysqlClient "paperchat/internal/platform/mysql"
	rabbitmqClient "paperchat/internal/platform/rabbitmq"
	redisClient "paperchat/internal/platform/redis"
	"paperchat/internal/repository"
	"paperchat/internal/storage"
	"paperchat/internal/worker"
)

type App struct {
	Config          *config.Config
	MySQL           *gorm.DB
	Redis           *redis.Client
	MQConn          *amqp.Connection
	Storage         *storage.LocalStore
	StatusCache     *cache.StatusCache
	IngestPublisher *rabbitmqClient.IngestPublisher
	IngestWorker    *worker.IngestWorker
	LLMClient       *ai.OpenAICompatibleClient

	StartedAt time.Time
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	mysqlDB, err := mysqlClient.New(ctx, cfg.MySQLDSN(), mysqlClient.Pool{
		MaxOpenConns: cfg.MySQL.MaxOpenConns,
		MaxIdleConns: cfg.MySQL.MaxIdleConns,
	})
	if err != nil {
		return nil, err
	}
	if err := mysqlDB.AutoMigrate(&model.User{}, &model.Document{}, &model.Message{}); err != nil {
		return nil, fmt.Errorf("auto migrate tables failed: %w", err)
	}

	redisCli, err := redisClient.New(ctx, redisClient.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: time.Duration(cfg.Redis.DialTimeoutSeconds) * time.Second,
		OpTimeout:   time.Duration(cfg.Redis.OpTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	mqConn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewLocalStore(cfg.Storage.Dir)
	if err != nil {
		return nil, err
	}

	statusCache := cache.NewStatusCache(redisCli, time.Duration(cfg.Redis.StatusTTLSeconds)*time.Second)
	publisher := rabbitmqClient.NewIngestPublisher(mqConn, cfg.RabbitMQ.IngestQueue)

	docRepo := repository.NewDocumentRepository(mysqlDB)
	userRepo := repository.NewUserRepository(mysqlDB)
	ingestService := appsvc.NewIngestService(
		docRepo,
		userRepo,
		store,
		pdfextract.ExtractPages,
		statusCache,
		cfg.PageLimits(),
	)

	ingestWorker := worker.NewIngestWorker(mqConn, ingestService, cfg.RabbitMQ.IngestQueue)
	if err := ingestWorker.Start(ctx); err != nil {
		return nil, fmt.Errorf("start ingest worker failed: %w", err)
	}

	return &App{
		Config:          cfg,
		MySQL:           mysqlDB,
		Redis:           redisCli,
		MQConn:          mqConn,
		Storage:         store,
		StatusCache:     statusCache,
		IngestPublisher: publisher,
		IngestWorker:    ingestWorker,
		LLMClient:       ai.NewOpenAICompatibleClient(),
		StartedAt:       time.Now(),
	}, nil
}

// LLMConfig returns the completion provider settings for chat requests.
func (a *App) LLMConfig() ai.ChatConfig {
	return ai.ChatConfig{
		BaseURL: a.Config.LLM.BaseURL,
		APIKey:  a.Config.LLM.APIKey,
		Model:   a.Config.LLM.Model,
	}
}

func (a *App) Close() error {
	var closeErr error
	if a.IngestWorker != nil {
		a.IngestWorker.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MySQL != nil {
		sqlDB, err := a.MySQL.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	return closeErr
}
