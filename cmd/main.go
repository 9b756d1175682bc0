package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"

	"chat-client/handler"
	"chat-client/internal/credentials"
	"chat-client/internal/integrations/assistant"
	"chat-client/internal/integrations/paramstore"
	"chat-client/internal/repository"
	"chat-client/internal/session"
)

func main() {
	ctx := context.Background()

	// A missing .env is fine; the Lambda environment sets variables directly.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env", "err", err)
	}

	// ---- Configuration (read only here) ----
	baseURL := mustEnv("ASSISTANT_BASE_URL")
	threadsPath := envString("ASSISTANT_THREADS_PATH", "/threads")
	messagePath := envString("ASSISTANT_MESSAGE_PATH", "/question")
	authScheme := assistant.AuthScheme(envString("ASSISTANT_AUTH_SCHEME", string(assistant.AuthBearer)))
	timeout := time.Duration(envInt("ASSISTANT_TIMEOUT_SECONDS", 30)) * time.Second
	staticToken := os.Getenv("ASSISTANT_TOKEN")
	tokenParameter := os.Getenv("TOKEN_PARAMETER")
	stateTable := os.Getenv("STATE_TABLE")
	sessionKey := envString("SESSION_KEY", "default")

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(os.Getenv("LOG_LEVEL"))}))
	slog.SetDefault(logger)

	// ---- AWS SDK config (only when an AWS-backed feature is enabled) ----
	var cfg aws.Config
	if stateTable != "" || tokenParameter != "" {
		var err error
		cfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			logger.Error("failed to load AWS config", "err", err)
			os.Exit(1)
		}
	}

	// ---- Credentials ----
	var tokens credentials.Provider = credentials.Static(staticToken)
	if tokenParameter != "" {
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
		if err != nil {
			logger.Error("failed to create SSM client", "err", err)
			os.Exit(1)
		}
		tokens, err = credentials.NewParamStore(ssmClient, tokenParameter)
		if err != nil {
			logger.Error("failed to create token provider", "err", err)
			os.Exit(1)
		}
	}

	// ---- Clients ----
	assistantClient, err := assistant.NewClient(tokens,
		assistant.WithBaseURL(baseURL),
		assistant.WithHTTPClient(assistant.NewHTTPClient(timeout, logger)),
		assistant.WithThreadsPath(threadsPath),
		assistant.WithMessagePath(messagePath),
		assistant.WithAuthScheme(authScheme),
		assistant.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to create assistant client", "err", err)
		os.Exit(1)
	}

	opts := []session.Option{session.WithLogger(logger)}
	if stateTable != "" {
		store, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable, sessionKey)
		if err != nil {
			logger.Error("failed to create state client", "err", err)
			os.Exit(1)
		}
		opts = append(opts, session.WithSnapshots(store))
	}

	// ---- Session ----
	sess, err := session.New(assistantClient, opts...)
	if err != nil {
		logger.Error("failed to create session", "err", err)
		os.Exit(1)
	}
	if err := sess.Restore(ctx); err != nil {
		logger.Warn("failed to restore session, starting empty", "err", err)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(sess,
		handler.WithLogger(logger),
		handler.WithIdentity(func(ctx context.Context) (credentials.User, error) {
			return credentials.Identity(ctx, tokens)
		}),
	)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}
