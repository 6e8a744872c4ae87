package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/dojo-network/feedback-subnet/pkg/cache"
	"github.com/dojo-network/feedback-subnet/pkg/dojo"
	"github.com/dojo-network/feedback-subnet/services/miner/config"
	"github.com/dojo-network/feedback-subnet/services/miner/handlers"
	"github.com/dojo-network/feedback-subnet/services/miner/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	feedbackCache := cache.New(cfg.FeedbackCacheTTL)

	var dojoClient *dojo.Client
	if !cfg.Simulation {
		dojoClient = dojo.NewClient(cfg.DojoBaseURL, cfg.DojoAPIKey, cfg.TaskMaxResults)
	}
	simulator := services.NewSimulator(cfg, nil)

	feedbackService := services.NewFeedbackService(feedbackCache, dojoClient, simulator, cfg.MinerPrivateKey, cfg.Coldkey)
	feedbackHandler := handlers.NewFeedbackHandler(feedbackService)

	router := setupRoutes(feedbackHandler)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	logrus.WithFields(logrus.Fields{
		"port":       cfg.Port,
		"hotkey":     feedbackService.Hotkey(),
		"simulation": cfg.Simulation,
	}).Info("miner server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutdown Server ...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server Shutdown:", err)
	}
	log.Println("Server exiting")
}

func setupRoutes(feedbackHandler *handlers.FeedbackHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	router.GET("/health", feedbackHandler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/feedback-request", feedbackHandler.FeedbackRequest)
		v1.POST("/task-result-request", feedbackHandler.TaskResultRequest)
	}

	return router
}
