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

	"github.com/dojo-network/feedback-subnet/database"
	"github.com/dojo-network/feedback-subnet/pkg/crypto"
	"github.com/dojo-network/feedback-subnet/pkg/synthetic"
	"github.com/dojo-network/feedback-subnet/services/validator/config"
	"github.com/dojo-network/feedback-subnet/services/validator/handlers"
	"github.com/dojo-network/feedback-subnet/services/validator/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	orm := database.NewORM(db, cfg.TaskDeadline)
	hotkey := crypto.Hotkey(cfg.ValidatorPrivateKey)

	var syntheticClient *synthetic.Client
	if cfg.SyntheticAPIBaseURL != "" {
		syntheticClient = synthetic.NewClient(cfg.SyntheticAPIBaseURL)
	}

	minerClient := services.NewMinerClient()
	taskService := services.NewTaskService(orm, syntheticClient, minerClient, cfg.MinerURLs, cfg.TaskDeadline, hotkey)
	monitor := services.NewMonitor(orm, minerClient, cfg.MinerURLs, hotkey, cfg.MonitoringInterval)

	ctx := context.Background()
	if err := monitor.Start(ctx); err != nil {
		log.Fatalf("Failed to start monitor: %v", err)
	}

	taskHandler := handlers.NewTaskHandler(taskService)
	router := setupRoutes(taskHandler, taskService)

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
		"port":   cfg.Port,
		"hotkey": hotkey,
		"miners": len(cfg.MinerURLs),
	}).Info("validator server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutdown Server ...")

	monitor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server Shutdown:", err)
	}
	log.Println("Server exiting")
}

func setupRoutes(taskHandler *handlers.TaskHandler, taskService *services.TaskService) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	router.GET("/health", taskHandler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	threeDGen := router.Group("/api/threed_gen")
	{
		threeDGen.POST("/", taskHandler.CreateThreeDGenTask)
	}

	v1 := router.Group("/api/v1")
	{
		v1.POST("/tasks/synthetic", func(c *gin.Context) {
			saved, err := taskService.CreateSyntheticTask(c.Request.Context())
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{
					"success": false,
					"message": err.Error(),
				})
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"success": true,
				"body":    gin.H{"task_id": saved.TaskID},
			})
		})
	}

	return router
}
