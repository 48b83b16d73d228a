package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"ChatGateway/global"
	"ChatGateway/logger"
	mid "ChatGateway/middleware"
	"ChatGateway/service/bus"
	"ChatGateway/service/chat"
	"ChatGateway/service/chat/handlers"
	"ChatGateway/service/storage"
)

func main() {
	configPath := flag.String("config", os.Getenv("GATEWAY_CONFIG"), "path to gateway TOML config")
	flag.Parse()

	cfg, err := global.Load(*configPath)
	if err != nil {
		logger.Errorf("[Boot] load config: %v", err)
		os.Exit(1)
	}
	global.ConfigIds(cfg.NodeID)

	deps := chat.Deps{
		Verifier: chat.NewJWTVerifier(global.GetJwtSecret(cfg)),
	}

	// Broadcast Bus: backend follows the broker endpoint scheme, in-process
	// when none is configured.
	b, err := bus.New(bus.Config{
		Kind:     cfg.BrokerKind(),
		Endpoint: cfg.BrokerEndpoint,
		Origin:   cfg.GatewayID,
	})
	if err != nil {
		logger.Errorf("[Boot] bus init: %v", err)
		os.Exit(1)
	}
	deps.Bus = b
	logger.Infof("[Boot] bus backend=%s endpoint=%q", cfg.BrokerKind(), cfg.BrokerEndpoint)

	// optional collaborators
	if cfg.Redis.Addr != "" {
		if err := storage.InitRedis(storage.RedisConf{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}); err != nil {
			logger.Warnf("[Boot] redis presence unavailable: %v", err)
		} else {
			deps.Presence = storage.NewPresence(storage.GetRedis(), cfg.GatewayID, cfg.IdleTimeout()*2)
		}
	}
	if cfg.Postgres.DSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		pg, perr := storage.NewPgStore(ctx, cfg.Postgres.DSN)
		cancel()
		if perr != nil {
			logger.Errorf("[Boot] postgres init: %v", perr)
			os.Exit(1)
		}
		deps.Store = pg
		defer pg.Close()
	}
	if len(cfg.Kafka.Brokers) > 0 {
		archive, aerr := storage.NewArchive(cfg.Kafka.Brokers, cfg.Kafka.ArchiveTopic)
		if aerr != nil {
			logger.Warnf("[Boot] kafka archive unavailable: %v", aerr)
		} else {
			deps.Archive = archive
			defer func() { _ = archive.Close() }()
		}
	}

	g, err := chat.NewServer(cfg, deps)
	if err != nil {
		logger.Errorf("[Boot] server init: %v", err)
		os.Exit(1)
	}
	handlers.RegisterAll(g)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ws/chat", g.HandleWS)
	r.GET("/ws/conversations/:id", g.HandleConversationWS)
	mid.GET(r, "/stats", g.HandleStats, mid.RouteOpt{IsAuth: true, Verifier: deps.Verifier})
	mid.POST(r, "/users/:id/notify", g.HandleNotify, mid.RouteOpt{IsAuth: true, Verifier: deps.Verifier})
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logger.Infof("[HTTP] gateway=%s listening on %s", cfg.GatewayID, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("[HTTP] server failed: %v", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Infof("[Boot] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	g.Shutdown()
	_ = b.Close()
	_ = storage.CloseRedis()
}
