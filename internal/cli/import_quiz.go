package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"quizroom-service/internal/config"
	"quizroom-service/internal/domain"
	"quizroom-service/internal/logger"
	pgcatalog "quizroom-service/internal/infra/postgres"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewImportQuizCmd loads quiz files into the Postgres catalog.
func NewImportQuizCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "import-quiz <file>...",
		Short: "Import YAML or JSON quiz files into the catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log := logger.Setup(cfg.Log.Level, cfg.Log.Format)
			if cfg.Postgres.URL == "" {
				return errNoCatalog
			}
			if err := runMigrations(cmd.Context(), cfg, log); err != nil {
				return err
			}

			pool, err := pgxpool.Connect(cmd.Context(), cfg.Postgres.URL)
			if err != nil {
				return err
			}
			defer pool.Close()
			catalog := pgcatalog.NewQuizCatalog(pool)

			for _, path := range args {
				quiz, err := readQuizFile(path)
				if err != nil {
					return err
				}
				if err := catalog.SaveQuiz(cmd.Context(), quiz); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				log.Info().Str("file", path).Str("quiz_id", quiz.ID).Int("questions", quiz.TotalQuestions()).Msg("quiz imported")
				fmt.Fprintln(cmd.OutOrStdout(), quiz.ID)
			}
			return nil
		},
	}
}

// readQuizFile decodes a quiz from YAML, or JSON when the extension says so.
func readQuizFile(path string) (domain.Quiz, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Quiz{}, err
	}
	var quiz domain.Quiz
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &quiz)
	} else {
		err = yaml.Unmarshal(data, &quiz)
	}
	if err != nil {
		return domain.Quiz{}, fmt.Errorf("%w: %s: %v", domain.ErrValidation, path, err)
	}
	quiz.Normalize()
	if quiz.ID == "" {
		quiz.ID = "quiz_" + uuid.NewString()
	}
	if err := validator.New().Struct(quiz); err != nil {
		return domain.Quiz{}, fmt.Errorf("%w: %s: %v", domain.ErrValidation, path, err)
	}
	if err := quiz.Check(); err != nil {
		return domain.Quiz{}, fmt.Errorf("%s: %w", path, err)
	}
	return quiz, nil
}

