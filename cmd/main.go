package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awslambda "github.com/aws/aws-sdk-go-v2/service/lambda"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"dm-agent/handler"
	"dm-agent/internal/blocker"
	"dm-agent/internal/buffer"
	"dm-agent/internal/classifier"
	"dm-agent/internal/config"
	"dm-agent/internal/integrations/instagram"
	"dm-agent/internal/integrations/lambdainvoke"
	"dm-agent/internal/integrations/openai"
	"dm-agent/internal/integrations/paramstore"
	"dm-agent/internal/observability"
	"dm-agent/internal/repository"
	"dm-agent/internal/store"
	"dm-agent/internal/store/memory"
	"dm-agent/internal/usecase"
)

const paramCacheTTL = 5 * time.Minute

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	observability.Setup(os.Stdout, cfg.LogLevel)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fail("failed to load AWS config", err)
	}

	// ---- Clients ----
	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg), paramstore.WithCacheTTL(paramCacheTTL))
	if err != nil {
		fail("failed to create SSM client", err)
	}
	dynamoClient := awsdynamodb.NewFromConfig(awsCfg)
	history, err := repository.New(dynamoClient, cfg.StateTable)
	if err != nil {
		fail("failed to create history repository", err)
	}

	var kv store.Store
	switch cfg.StoreBackend {
	case config.BackendMemory:
		kv = memory.New()
	default:
		kv, err = repository.NewKVStore(dynamoClient, cfg.StateTable)
		if err != nil {
			fail("failed to create state store", err)
		}
	}

	openaiClient, err := openai.NewClient(params, cfg.ParamPrefix)
	if err != nil {
		fail("failed to create OpenAI client", err)
	}
	igClient, err := instagram.NewClient(params, cfg.ParamPrefix,
		instagram.WithAPIVersion(cfg.InstagramAPIVersion),
		instagram.WithSendRate(cfg.SendRatePerSecond),
	)
	if err != nil {
		fail("failed to create Instagram client", err)
	}

	// ---- Arbitration and buffering ----
	blk, err := blocker.New(kv, blocker.WithBlockTTL(cfg.BlockTTL), blocker.WithEchoTTL(cfg.EchoTTL))
	if err != nil {
		fail("failed to create blocker", err)
	}
	buf, err := buffer.New(kv, buffer.WithBufferTTL(cfg.BufferTTL), buffer.WithLockTTL(cfg.LockTTL))
	if err != nil {
		fail("failed to create buffer", err)
	}

	// ---- Agent ----
	replies, err := usecase.NewReplyService(params, openaiClient, history, cfg.ParamPrefix, cfg.MaxContextItems, cfg.MaxMessageLength)
	if err != nil {
		fail("failed to create reply service", err)
	}
	responder, err := usecase.NewResponder(replies, igClient, blk, cfg.ApologyText, cfg.UnreadableAudioText)
	if err != nil {
		fail("failed to create responder", err)
	}
	transcriber, err := usecase.NewAudioTranscriber(params, igClient, openaiClient, cfg.ParamPrefix)
	if err != nil {
		fail("failed to create transcriber", err)
	}
	// The wait also ends DefaultLockMargin before the lock taken by the
	// webhook expires, which covers the async invoke latency.
	proc, err := buffer.NewProcessor(buf, responder,
		buffer.WithQuietPeriod(cfg.QuietPeriod),
		buffer.WithMaxWait(cfg.LockTTL-cfg.QuietPeriod),
		buffer.WithTranscriber(transcriber),
	)
	if err != nil {
		fail("failed to create processor", err)
	}

	if cfg.RunMode == config.RunLocal {
		runLocal(cfg, blk, buf, proc, params)
		return
	}

	// ---- Handlers ----
	switch cfg.Role {
	case config.RoleProcessor:
		h, err := handler.NewProcessor(proc)
		if err != nil {
			fail("failed to create processor handler", err)
		}
		lambda.Start(h.Handle)
	default:
		dispatcher, err := lambdainvoke.New(awslambda.NewFromConfig(awsCfg), cfg.ProcessorFunction)
		if err != nil {
			fail("failed to create dispatcher", err)
		}
		h, err := newWebhook(blk, buf, dispatcher, params, cfg.ParamPrefix)
		if err != nil {
			fail("failed to create webhook handler", err)
		}
		lambda.Start(h.Handle)
	}
}

// runLocal serves the webhook over net/http and runs processors in-process.
func runLocal(cfg *config.Config, blk *blocker.Blocker, buf *buffer.Buffer, proc *buffer.Processor, params paramstore.Getter) {
	dispatcher, err := buffer.NewInlineDispatcher(proc)
	if err != nil {
		fail("failed to create inline dispatcher", err)
	}
	h, err := newWebhook(blk, buf, dispatcher, params, cfg.ParamPrefix)
	if err != nil {
		fail("failed to create webhook handler", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/webhook", handler.HTTPHandler(h.Handle))
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("listening", "addr", cfg.ListenAddr, "store", cfg.StoreBackend)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fail("server failed", err)
	}
	dispatcher.Wait()
}

func newWebhook(blk *blocker.Blocker, buf *buffer.Buffer, d buffer.Dispatcher, params paramstore.Getter, paramPrefix string) (*handler.Webhook, error) {
	ingestor, err := buffer.NewIngestor(buf, d)
	if err != nil {
		return nil, err
	}
	router, err := classifier.NewRouter(blk, ingestor)
	if err != nil {
		return nil, err
	}
	return handler.NewWebhook(router, params, paramPrefix)
}

func fail(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
