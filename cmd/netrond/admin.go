package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/netwire/internal/auth"
	"github.com/danmuck/netwire/internal/netron"
	"github.com/danmuck/netwire/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type taskRequest struct {
	Calls []netron.TaskCall `json:"calls"`
}

type taskResponse struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func newAdminRouter(node *netron.Node, cfg daemonConfig, logger zerolog.Logger, started time.Time) *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware(node.ID()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(started).String(),
			"node":    node.ID(),
			"name":    node.Name(),
			"version": node.Config().Version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/contexts", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"contexts": node.Definitions()})
	})

	r.GET("/peers", func(c *gin.Context) {
		peers := node.Peers()
		out := make([]netron.PeerInfo, 0, len(peers))
		for _, p := range peers {
			out = append(out, p.Info())
		}
		c.JSON(http.StatusOK, gin.H{"peers": out})
	})

	r.POST("/tasks", auth.Require(adminValidator(cfg)), func(c *gin.Context) {
		var req taskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), node.Config().RequestTimeout)
		defer cancel()
		results, err := node.Own().RunTask(ctx, req.Calls...)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, netron.ErrInvalidArgument) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		out := make(map[string]taskResponse, len(results))
		for name, res := range results {
			if res.Err != nil {
				out[name] = taskResponse{Error: res.Err.Error()}
				continue
			}
			out[name] = taskResponse{Result: res.Result}
		}
		c.JSON(http.StatusOK, gin.H{"results": out})
	})

	return r
}

func adminValidator(cfg daemonConfig) auth.Validator {
	if cfg.AdminToken == "" {
		return auth.Open{}
	}
	return auth.StaticToken{Token: cfg.AdminToken}
}
