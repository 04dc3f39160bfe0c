package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quizroom-service/internal/app"
	"quizroom-service/internal/config"
	"quizroom-service/internal/domain"
	"quizroom-service/internal/infra/memory"
	pgcatalog "quizroom-service/internal/infra/postgres"
	redisstore "quizroom-service/internal/infra/redis"
	"quizroom-service/internal/infra/sqlite"
	"quizroom-service/internal/logger"
	transport "quizroom-service/internal/transport/http"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz room server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.Setup(cfg.Log.Level, cfg.Log.Format)

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}

	var (
		pool    *pgxpool.Pool
		catalog *pgcatalog.QuizCatalog
	)
	if cfg.Postgres.URL != "" {
		if err := runMigrations(ctx, cfg, log); err != nil {
			return err
		}
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		catalog = pgcatalog.NewQuizCatalog(pool)
	}

	store, redisClient, cleanup, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	var loader memory.QuizLoader = app.NewStoreQuizLoader(store)
	if catalog != nil {
		loader = catalog
	}
	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	var quizRepo app.QuizRepository
	if redisClient != nil {
		quizRepo = redisstore.NewQuizRepository(redisClient, loader, quizTTL, log)
	} else {
		quizRepo = memory.NewQuizRepository(loader, quizTTL)
	}

	var opts []app.Option
	if catalog != nil {
		opts = append(opts, app.WithQuizCatalog(catalog))
	}
	service := app.NewService(store, quizRepo, log, opts...)
	seedSampleQuiz(ctx, service, log)

	// The local backend never pushes; sockets poll it instead.
	refreshFallback := time.Duration(0)
	if cfg.Backend != config.BackendRemote {
		refreshFallback = 2 * time.Second
	}
	wsHandler := transport.NewWSHandler(service, log,
		transport.WithRefreshInterval(config.TTLDuration(cfg.Server.RefreshInterval, refreshFallback)))

	mux := http.NewServeMux()
	transport.Routes(mux, transport.NewAPIHandler(service, log), wsHandler)

	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("port", finalPort).Str("backend", cfg.Backend).Msg("starting quiz room service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info().Msg("shutting down server")
	case <-ctx.Done():
		log.Info().Msg("context canceled, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// openStore builds the configured room store. An unreachable Redis is not
// fatal: the store then reports domain.ErrBackendUnavailable on every call.
func openStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (app.Store, *redis.Client, func(), error) {
	switch cfg.Backend {
	case config.BackendRemote:
		client := redis.NewClient(redisOptions(cfg))
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, remote backend unavailable")
			_ = client.Close()
			return redisstore.NewStore(nil, log), nil, func() {}, nil
		}
		return redisstore.NewStore(client, log), client, func() { _ = client.Close() }, nil

	case config.BackendLocal:
		kv, err := sqlite.Open(ctx, cfg.Local.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		store, err := memory.Open(ctx, kv, log)
		if err != nil {
			_ = kv.Close()
			return nil, nil, nil, err
		}
		return store, nil, func() { _ = kv.Close() }, nil

	default:
		return nil, nil, nil, errors.New("unknown backend " + cfg.Backend + ` (want "local" or "remote")`)
	}
}

// redisOptions builds the client options; unset timeouts fall back to the
// go-redis defaults.
func redisOptions(cfg config.Config) *redis.Options {
	return &redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  config.TTLDuration(cfg.Redis.DialTimeout, 5*time.Second),
		ReadTimeout:  config.TTLDuration(cfg.Redis.ReadTimeout, 3*time.Second),
		WriteTimeout: config.TTLDuration(cfg.Redis.WriteTimeout, 3*time.Second),
	}
}

// seedSampleQuiz saves a small demo quiz when the catalog is empty.
func seedSampleQuiz(ctx context.Context, service *app.Service, log zerolog.Logger) {
	quizzes, err := service.Quizzes(ctx)
	if err != nil || len(quizzes) > 0 {
		return
	}
	id, err := service.SaveQuiz(ctx, sampleQuiz())
	if err != nil {
		log.Warn().Err(err).Msg("sample quiz not saved")
		return
	}
	log.Info().Str("quiz_id", id).Msg("sample quiz saved")
}

func sampleQuiz() domain.Quiz {
	return domain.Quiz{
		ID:              "sample-ict",
		Title:           "ICT Basics",
		TimePerQuestion: 30,
		CreatedBy:       "system",
		Sets: []domain.Set{
			{
				Title:      "Multiple choice",
				Directions: "Choose the letter of the best answer.",
				Type:       domain.TypeMCQ,
				Questions: []domain.Question{
					{
						ID:      "s1q1",
						Text:    "Which device forwards packets between networks?",
						Options: map[string]string{"A": "Switch", "B": "Router", "C": "Hub", "D": "Repeater"},
						Correct: "B",
					},
				},
			},
			{
				Title:      "True or false",
				Directions: "Write T if the statement is true, F otherwise.",
				Type:       domain.TypeTF,
				Questions: []domain.Question{
					{ID: "s2q1", Text: "RAM keeps its contents without power.", Correct: domain.LabelFalse},
				},
			},
			{
				Title:      "Matching",
				Directions: "Match each port to its protocol.",
				Type:       domain.TypeMatch,
				Questions: []domain.Question{
					{
						ID:   "s3q1",
						Text: "Match the ports.",
						Pairs: []domain.MatchPair{
							{Left: "80", Right: "HTTP"},
							{Left: "443", Right: "HTTPS"},
							{Left: "22", Right: "SSH"},
						},
					},
				},
			},
			{
				Title:      "Enumeration",
				Directions: "Give up to five answers.",
				Type:       domain.TypeEnum,
				Questions: []domain.Question{
					{ID: "s4q1", Text: "Name an input device.", Keywords: []string{"keyboard", "mouse", "scanner", "microphone"}},
				},
			},
			{
				Title:      "Essay",
				Directions: "Answer in a few sentences.",
				Type:       domain.TypeEssay,
				Questions: []domain.Question{
					{ID: "s5q1", Text: "Why should passwords be long?"},
				},
			},
		},
	}
}
