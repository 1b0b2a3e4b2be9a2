package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"coldstore/internal/api"
	"coldstore/internal/config"
	"coldstore/internal/notify"
	"coldstore/internal/pathutil"
	"coldstore/internal/queue"
	"coldstore/internal/rclone"
	"coldstore/internal/registry"
	"coldstore/internal/repo"
	"coldstore/internal/scheduler"
)

func main() {

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	configPath := os.Getenv("COLDSTORE_CONFIG")
	if configPath == "" {
		configPath = "config.yml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if err := pathutil.EnsureDir(cfg.DataDir); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("ensure data dir")
	}
	if err := pathutil.EnsureDir(filepath.Join(cfg.DataDir, "logs")); err != nil {
		log.Fatal().Err(err).Msg("ensure task log dir")
	}

	reg, err := registry.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("open task registry")
	}

	runner := &rclone.Runner{Binary: cfg.RcloneBinary}
	repos, err := repo.LoadFile(cfg.ReposFile, runner, repo.LoadOptions{CheckPerms: true})
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.ReposFile).Msg("load repositories")
	}
	log.Info().Int("repositories", len(repos.All())).Msg("repositories loaded")

	notifier := notify.New(notify.Options{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		From:     cfg.SMTP.From,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
	})
	if notifier == nil {
		log.Info().Msg("email notifications disabled")
	}

	q := queue.New(queue.Options{Workers: cfg.Workers})
	sched := scheduler.New(reg, q, repos, notifier, scheduler.Options{
		DataDir:           cfg.DataDir,
		MaxWaitFor:        cfg.MaxWaitFor,
		MaxTaskDuration:   cfg.MaxTaskDuration,
		ZombieInterval:    cfg.ZombieInterval,
		RetentionAge:      cfg.RetentionAge,
		RetentionInterval: cfg.RetentionInterval,
	})

	baseCtx, baseCancel := context.WithCancel(context.Background())
	q.Start(baseCtx)
	go sched.Run(baseCtx)

	// rows left active by a previous crash unlock before the first request
	if err := sched.ReapZombies(baseCtx); err != nil {
		log.Warn().Err(err).Msg("startup zombie sweep failed")
	}

	router := setupRouter()
	api.NewAPI(sched, repos).RegisterRoutes(router)

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 30 * time.Second
	)

	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)

	go func() {
		log.Info().Int("port", cfg.Port).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()

	gracefulShutdown(srv, baseCancel, q, shutdownTimeout)
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.ZerologLogger())
	return r
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, q *queue.Queue, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	if !q.Wait(ctx) {
		log.Warn().Msg("running tasks did not finish before timeout, cancelling")
	}
	cancelBase()
	q.Shutdown()
	log.Info().Msg("server exited cleanly")
}
