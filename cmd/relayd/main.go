package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"relaydm/configs"
	"relaydm/server"
)

var (
	logger = logrus.New()
)

// Main function to start the relay
func main() {
	if err := godotenv.Load(); err != nil {
		logger.Debugf("no .env file loaded: %v", err)
	}

	redisAddr := os.Getenv("REDIS_ADDRESS")
	if redisAddr == "" {
		redisAddr = configs.RedisAddress
	}
	listenAddr := os.Getenv("RELAYD_ADDRESS")
	if listenAddr == "" {
		listenAddr = configs.RelaydAddress
	}

	s := server.NewServer(
		context.Background(),
		redis.NewClient(&redis.Options{Addr: redisAddr}),
		logger,
	)
	defer s.Close()

	logger.Infof("relay running on ws://%s%s", listenAddr, configs.WebSocketPath)
	if err := http.ListenAndServe(listenAddr, s.Router()); err != nil {
		logger.Fatalf("Error starting relay: %v", err)
	}

	logger.Info("Closing relay...")
}
