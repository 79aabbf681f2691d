package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"cascache/common"
	"cascache/distributed"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

func main() {
	addr := flag.String("serverAddress", "127.0.0.1:8085", "address to listen on and advertise to peers")
	redisAddr := flag.String("redisAddr", "127.0.0.1:6379", "location tracking service addr")
	root := flag.String("root", "./casroot", "content-addressed store root directory")
	flag.Parse()

	session, err := distributed.NewSession(distributed.Config{
		Addr:         common.MachineLocation(*addr),
		RedisOptions: &redis.Options{Addr: *redisAddr},
		Root:         *root,
		ScratchRoot:  filepath.Join(*root, "scratch"),
		Settings:     common.DefaultSettings(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create cache session")
	}

	ctx := context.Background()
	if err := session.Startup(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start cache session")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	session.Report()
	if err := session.Shutdown(ctx); err != nil {
		log.Err(err).Msg("shutdown finished with errors")
	}
}
