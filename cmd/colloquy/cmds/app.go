package cmds

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/colloquy/pkg/models"
	"github.com/go-go-golems/colloquy/pkg/provider"
	"github.com/go-go-golems/colloquy/pkg/store"
)

// AddPersistentFlags registers the flags shared by every subcommand. They
// are bound to viper by the root command.
func AddPersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("db", "", "SQLite database holding conversations (default: user data dir)")
	cmd.PersistentFlags().String("user", "local", "User id conversations are stored under")
	cmd.PersistentFlags().String("models", "", "YAML model catalog (default: built-in catalog)")
	cmd.PersistentFlags().String("openai-api-key", "", "OpenAI API key")
	cmd.PersistentFlags().String("openai-base-url", "", "OpenAI compatible base URL")
}

func dbPath() (string, error) {
	if p := viper.GetString("db"); p != "" {
		return p, nil
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", errors.Wrap(err, "could not locate user data dir")
	}
	return filepath.Join(dir, "colloquy", "colloquy.db"), nil
}

// openStore opens the SQLite store and scopes it to the configured user.
func openStore() (*store.SQLiteStore, store.Store, error) {
	path, err := dbPath()
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, errors.Wrapf(err, "could not create %s", filepath.Dir(path))
	}
	dsn, err := store.SQLiteDSNForFile(path)
	if err != nil {
		return nil, nil, err
	}
	db, err := store.NewSQLiteStore(dsn)
	if err != nil {
		return nil, nil, err
	}
	log.Debug().Str("path", path).Str("user", viper.GetString("user")).Msg("opened conversation store")
	return db, store.NewScoped(db, viper.GetString("user")), nil
}

func loadModelConfig() (*models.Config, error) {
	path := viper.GetString("models")
	if path == "" {
		return models.DefaultConfig(), nil
	}
	return models.LoadConfigFile(path)
}

func providerSettings() provider.Settings {
	return provider.Settings{
		OpenAIAPIKey:  viper.GetString("openai-api-key"),
		OpenAIBaseURL: viper.GetString("openai-base-url"),
	}
}

// usableModels drops OpenAI models when no API key is configured, so the
// built-in catalog still works offline.
func usableModels(cfg *models.Config, settings provider.Settings) *models.Config {
	if settings.OpenAIAPIKey != "" {
		return cfg
	}
	ret := &models.Config{DefaultModel: cfg.DefaultModel}
	for _, d := range cfg.Models {
		if kind, _ := d.ProviderConfig["type"].(string); kind == "openai" {
			log.Info().Str("model_id", d.ID).Msg("skipping OpenAI model, no API key configured")
			if ret.DefaultModel == d.ID {
				ret.DefaultModel = ""
			}
			continue
		}
		ret.Models = append(ret.Models, d)
	}
	return ret
}

// loadModels returns the usable catalog and a provider for each model.
func loadModels() (*models.Config, *provider.Router, error) {
	cfg, err := loadModelConfig()
	if err != nil {
		return nil, nil, err
	}
	settings := providerSettings()
	cfg = usableModels(cfg, settings)
	if len(cfg.Models) == 0 {
		return nil, nil, errors.New("no usable models configured")
	}
	router, err := provider.FromConfig(cfg, settings)
	if err != nil {
		return nil, nil, err
	}
	return cfg, router, nil
}
