// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"ragflow-go/internal/config"
	"ragflow-go/internal/handler"
	"ragflow-go/internal/middleware"
	"ragflow-go/internal/repository"
	"ragflow-go/internal/service"
	"ragflow-go/pkg/audit"
	"ragflow-go/pkg/cache"
	"ragflow-go/pkg/database"
	"ragflow-go/pkg/embedding"
	"ragflow-go/pkg/llm"
	"ragflow-go/pkg/log"
	"ragflow-go/pkg/rerank"
	"ragflow-go/pkg/token"
	"ragflow-go/pkg/vector"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load("./configs/config.yaml")
	if err != nil {
		panic(err)
	}

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	// 3. 初始化外部存储连接
	db, err := database.NewMySQL(cfg.Database.MySQL.DSN)
	if err != nil {
		log.Fatal("MySQL 初始化失败", err)
	}
	if err := repository.AutoMigrate(db); err != nil {
		log.Fatal("数据表迁移失败", err)
	}
	log.Info("MySQL database connected successfully")

	rdb, err := database.NewRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	if err != nil {
		log.Fatal("Redis 初始化失败", err)
	}
	log.Info("Redis client connected successfully")

	index, err := vector.NewESIndex(cfg.Elasticsearch, cfg.Embedding.Dimensions)
	if err != nil {
		log.Fatal("Elasticsearch 初始化失败", err)
	}

	// 4. 构造能力客户端：provider 按配置名解析，进程内只构造一次
	embeddingClient, err := embedding.New(cfg.Embedding)
	if err != nil {
		log.Fatal("Embedding provider 初始化失败", err)
	}
	llmClient, err := llm.New(cfg.LLM)
	if err != nil {
		log.Fatal("LLM provider 初始化失败", err)
	}

	// 5. 组装服务（依赖注入）
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
	cacheStore := cache.NewRedisStore(rdb)
	auditLogger := audit.NewKafkaLogger(cfg.Kafka)
	reranker := rerank.NewLexicalReranker()
	conversationRepo := repository.NewConversationRepository(db)

	queryService := service.NewQueryService(
		embeddingClient,
		llmClient,
		cacheStore,
		index,
		reranker,
		conversationRepo,
		auditLogger,
		cfg.RAG,
		cfg.LLM.Prompt.Rules,
	)
	conversationService := service.NewConversationService(conversationRepo)

	// 6. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 7. 注册路由
	queryHandler := handler.NewQueryHandler(queryService)
	conversationHandler := handler.NewConversationHandler(conversationService)
	evaluationHandler := handler.NewEvaluationHandler(cacheStore)

	apiV1 := r.Group("/api/v1")
	apiV1.Use(middleware.AuthMiddleware(jwtManager))
	{
		apiV1.GET("/chat", queryHandler.Chat)
		apiV1.GET("/chat/ws", queryHandler.HandleWebSocket)

		conversations := apiV1.Group("/conversations")
		{
			conversations.GET("", conversationHandler.List)
			conversations.GET("/:conversationId/history", conversationHandler.History)
			conversations.DELETE("/:conversationId", conversationHandler.Delete)
		}

		evaluation := apiV1.Group("/evaluation")
		{
			evaluation.GET("/sampling", evaluationHandler.GetSampling)
			evaluation.PUT("/sampling", evaluationHandler.SetSampling)
		}
	}

	// 8. 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}
