package main

import (
	"context"
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

	"ladle/internal/blob"
	"ladle/internal/config"
	"ladle/internal/jobs"
	"ladle/internal/notify"
	"ladle/internal/queue"
	"ladle/internal/vision"
	"ladle/internal/worker"
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

	transcriber := vision.NewOllama(cfg.OllamaURL, cfg.OllamaModel, cfg.StructureModel)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	if err := transcriber.Ping(pingCtx); err != nil {
		cancelPing()
		log.Fatal().Err(err).Msg("ollama is not available")
	}
	cancelPing()
	log.Info().Str("model", cfg.OllamaModel).Str("structureModel", cfg.StructureModel).Msg("using ollama backend")

	q, err := queue.Dial(cfg.RabbitMQURL, cfg.QueueName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer q.Close()

	notifier := notify.New(cfg.StatusWebhookURL(), cfg.RecipeWebhookURL(),
		cfg.WebhookMaxAttempts, cfg.WebhookRetryBase, cfg.WebhookRetryCap)

	w := worker.New(store, blobs, transcriber, notifier, q, cfg.MaxAttempts, cfg.InferenceTimeout)

	deliveries, err := q.Consume()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to consume the queue")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("shutting down")
		cancel()
		q.Close()
	}()

	log.Info().Str("queue", cfg.QueueName).Msg("worker started")
	w.Run(ctx, deliveries)
}
