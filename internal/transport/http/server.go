package http

import (
	"time"

	"github.com/gin-gonic/gin"

	appsvc "paperchat/internal/app"
	"paperchat/internal/bootstrap"
	"paperchat/internal/repository"
	"paperchat/internal/transport/http/handler"
	"paperchat/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	healthHandler := handler.NewHealthHandler(app)
	router.GET("/healthz", healthHandler.Check)

	userRepo := repository.NewUserRepository(app.MySQL)
	docRepo := repository.NewDocumentRepository(app.MySQL)
	messageRepo := repository.NewMessageRepository(app.MySQL)

	authService := appsvc.NewAuthService(
		userRepo,
		app.Config.Auth.JWTSecret,
		time.Duration(app.Config.Auth.JWTExpireMinute)*time.Minute,
	)
	docService := appsvc.NewDocumentService(docRepo, app.Storage, app.IngestPublisher, app.StatusCache)
	chatService := appsvc.NewChatService(
		docRepo,
		messageRepo,
		app.LLMClient,
		app.LLMConfig(),
		app.Config.Chat.MaxContextTurns,
	)

	authHandler := handler.NewAuthHandler(authService)
	docHandler := handler.NewDocumentHandler(docService, app.Config.Storage.MaxUploadMB)
	chatHandler := handler.NewChatHandler(chatService, app.Config.Chat.HistoryPageSize)

	v1 := router.Group("/api/v1")
	authGroup := v1.Group("/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)
	authGroup.GET("/me", middleware.AuthJWT(app.Config.Auth.JWTSecret), authHandler.Me)

	docGroup := v1.Group("/documents")
	docGroup.Use(middleware.AuthJWT(app.Config.Auth.JWTSecret))
	docGroup.POST("", docHandler.Upload)
	docGroup.GET("", docHandler.List)
	docGroup.GET("/:id/status", docHandler.Status)

	chatGroup := v1.Group("/chat")
	chatGroup.Use(middleware.AuthJWT(app.Config.Auth.JWTSecret))
	chatGroup.POST("/stream", chatHandler.Stream)
	chatGroup.GET("/history", chatHandler.History)

	return router
}
