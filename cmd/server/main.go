package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"ladle/internal/api"
	"ladle/internal/blob"
	"ladle/internal/bus"
	"ladle/internal/config"
	"ladle/internal/jobs"
	"ladle/internal/queue"
	"ladle/internal/reap"
	"ladle/internal/recipes"
	"ladle/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	s3Config, err := awsconfig.LoadDefaultConfig(
		context.TODO(),
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithBaseEndpoint(cfg.S3Endpoint),
		awsconfig.WithCredentialsProvider(credentials.StaticCredentialsProvider{
			Value: aws.Credentials{
				AccessKeyID:     cfg.S3AccessKey,
				SecretAccessKey: cfg.S3SecretKey,
			},
		}),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load S3 config")
	}
	s3Client := s3.NewFromConfig(s3Config, func(o *s3.Options) { o.UsePathStyle = true })
	blobs := blob.NewS3(s3Client, cfg.S3Bucket)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisDSN})
	store := jobs.NewRedisStore(redisClient)
	eventBus := bus.New(redisClient)
	registry := stream.NewRegistry(eventBus)

	q, err := queue.Dial(cfg.RabbitMQURL, cfg.QueueName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer q.Close()

	catalog, err := recipes.Open(cfg.RecipeDBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open the recipe catalog")
	}
	defer catalog.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reaper := reap.New(store, q, eventBus, cfg.MaxAttempts, cfg.ReapAfter)
	go reaper.Watch(ctx, cfg.ReapInterval)

	server := &api.Server{
		Store:          store,
		Queue:          q,
		Bus:            eventBus,
		Registry:       registry,
		Blobs:          blobs,
		Recipes:        catalog,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     server.Router(),
		ReadTimeout: 30 * time.Second,
		// No write timeout: SSE connections stay open for the life of a job.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown error")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("server listening")
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server error")
	}
}
