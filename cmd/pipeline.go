package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/app"
	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/config"
	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/observability"
	"github.com/SOLUCIONESSYCOM/go_cdc_pipeline/src/pipeline"
	"github.com/SOLUCIONESSYCOM/scribe"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func run() {
	ctx := context.Background()

	logConfig, err := config.LogCfg()
	if err != nil {
		panic(fmt.Sprintf("error loading log config: %v", err))
	}

	sc, err := scribe.New(logConfig, nil, nil)
	if err != nil {
		panic(fmt.Sprintf("error creating scribe: %v", err))
	}

	logger := observability.NewScribeLogger(sc)

	serverConfig, err := config.ServerCfg()
	if err != nil {
		logger.Error(ctx, "Error loading server config", err)
		panic(fmt.Sprintf("error loading server config: %v", err))
	}

	metricsService := observability.NewMetricsService()

	observability.NewPipelineMetrics(metricsService.GetRegistry())

	cdcPipeline, err := app.NewPipeline(ctx)
	if err != nil {
		panic(fmt.Sprintf("error creating pipeline: %v", err))
	}
	defer cdcPipeline.Close(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metricsService.GetRegistry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		state := cdcPipeline.State()

		status := http.StatusOK
		if state.Phase != pipeline.PhaseStreaming {
			status = http.StatusServiceUnavailable
		}

		c.JSON(status, gin.H{
			"phase":        string(state.Phase),
			"ack_floor":    state.AckFloor.String(),
			"seen":         state.Seen,
			"deduplicated": state.Deduplicated,
			"applied":      state.Applied,
		})
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", serverConfig.HttpPort),
		Handler: router,
	}

	go func() {
		logger.Info(ctx, "Starting metrics server", "port", serverConfig.HttpPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "Metrics server error", err, "port", serverConfig.HttpPort)
		}
	}()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info(ctx, "Stopping metrics server")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error(ctx, "Error stopping metrics server", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	pipelineCtx, pipelineCancel := context.WithCancel(ctx)
	defer pipelineCancel()

	pipelineErrChan := make(chan error, 1)
	go func() {
		pipelineErrChan <- cdcPipeline.Start(pipelineCtx)
	}()

	select {
	case sig := <-sigChan:
		logger.Info(ctx, "Received termination signal", "signal", sig.String())
		pipelineCancel()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		select {
		case err := <-pipelineErrChan:
			if err != nil && err != context.Canceled {
				logger.Warn(ctx, "Pipeline stopped with error", err)
			}
		case <-shutdownCtx.Done():
			logger.Warn(ctx, "Timeout waiting for pipeline to stop", nil)
		}
	case err := <-pipelineErrChan:
		if err != nil && err != context.Canceled {
			logger.Error(ctx, "Pipeline error", err)
			panic(fmt.Sprintf("pipeline error: %v", err))
		}
	}
}

func main() {
	fmt.Println("Starting cdc pipeline...")
	run()
	fmt.Println("Cdc pipeline stopped")
}
