package main

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"gridlink/internal/config"
	"gridlink/internal/server"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatal("loading config", zap.Error(err))
	}

	h := server.NewHub(context.Background(), log)
	defer h.Shutdown()

	handler := server.SetupRoutes(h, log)

	log.Info("listening", zap.String("addr", cfg.ListenAddr))
	if err := http.ListenAndServe(cfg.ListenAddr, handler); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}
