package integration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"quizroom-service/internal/app"
	"quizroom-service/internal/domain"
	pgcatalog "quizroom-service/internal/infra/postgres"
	pgmigrations "quizroom-service/internal/infra/postgres/migrations"
	infraredis "quizroom-service/internal/infra/redis"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"
)

func TestRoomEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgAddr := startContainer(t, ctx, "postgres:15-alpine", "5432/tcp", map[string]string{
		"POSTGRES_USER":     "quizroom",
		"POSTGRES_PASSWORD": "quizroom",
		"POSTGRES_DB":       "quizroom",
	}, wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(time.Minute))
	pgURL := fmt.Sprintf("postgres://quizroom:quizroom@%s/quizroom?sslmode=disable", pgAddr)
	redisAddr := startContainer(t, ctx, "redis:7-alpine", "6379/tcp", nil, wait.ForListeningPort("6379/tcp").WithStartupTimeout(30*time.Second))

	migrateCatalog(t, ctx, pgURL)

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()
	catalog := pgcatalog.NewQuizCatalog(pool)

	redisClient := goredis.NewClient(&goredis.Options{Addr: redisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping: %v", err)
	}

	store := infraredis.NewStore(redisClient, zerolog.Nop())
	quizRepo := infraredis.NewQuizRepository(redisClient, catalog, 5*time.Minute, zerolog.Nop())
	service := app.NewService(store, quizRepo, zerolog.Nop(), app.WithQuizCatalog(catalog))

	quizID, err := service.SaveQuiz(ctx, sampleQuiz())
	if err != nil {
		t.Fatalf("save quiz: %v", err)
	}
	if _, err := catalog.LoadQuiz(ctx, quizID); err != nil {
		t.Fatalf("quiz missing from catalog: %v", err)
	}
	listed, err := service.Quizzes(ctx)
	if err != nil || len(listed) != 1 || listed[0].ID != quizID {
		t.Fatalf("expected the catalog listing, got %+v (%v)", listed, err)
	}

	teacher, err := service.HostSaved(ctx, quizID, "9-C", "ms.reyes")
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	defer teacher.Close()
	updates, cancel := teacher.View().Watch()
	defer cancel()

	alice, err := service.Join(ctx, teacher.Code(), "Alice", app.StudentHooks{})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer alice.Close()

	alice.Start()
	alice.SetDraft(domain.Submission{Choice: "T"})
	if _, err := alice.Submit(ctx); err != nil {
		t.Fatalf("submit tf: %v", err)
	}

	// The teacher sees Alice's score through the pub/sub push alone.
	deadline := time.After(10 * time.Second)
	for seen := false; !seen; {
		select {
		case snap := <-updates:
			seen = len(snap.Entries) == 1 && snap.Entries[0].Score == 1
		case <-deadline:
			t.Fatalf("teacher never saw the updated score")
		}
	}

	recordID, err := teacher.End(ctx)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	record, err := service.Record(ctx, recordID)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(record.Participants) != 1 || record.Participants[0].Name != "Alice" || record.Participants[0].Score != 1 {
		t.Fatalf("unexpected record participants %+v", record.Participants)
	}
	if record.ClassSection != "9-C" || record.CreatedBy != "ms.reyes" {
		t.Fatalf("unexpected record metadata %+v", record)
	}

	if _, _, err := service.JoinRoom(ctx, teacher.Code(), "Late"); err == nil {
		t.Fatalf("expected join after end to fail")
	}
}

// startContainer runs image until the test ends and returns the host:port
// mapped to port once ready passes. It skips when Docker is unreachable.
func startContainer(t *testing.T, ctx context.Context, image, port string, env map[string]string, ready wait.Strategy) string {
	t.Helper()
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        image,
			Env:          env,
			ExposedPorts: []string{port},
			WaitingFor:   ready,
		},
		Started: true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start %s: %v", image, err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.PortEndpoint(ctx, nat.Port(port), "")
	if err != nil {
		t.Fatalf("%s endpoint: %v", image, err)
	}
	return endpoint
}

func migrateCatalog(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func sampleQuiz() domain.Quiz {
	return domain.Quiz{
		Title:           "Earth Science",
		TimePerQuestion: 20,
		Sets: []domain.Set{
			{
				Title: "True or false",
				Type:  domain.TypeTF,
				Questions: []domain.Question{
					{ID: "q1", Text: "The Earth orbits the Sun.", Correct: "true"},
				},
			},
		},
	}
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
