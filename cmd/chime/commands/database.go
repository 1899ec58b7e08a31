package commands

import (
	"database/sql"

	"github.com/teranos/chime/config"
	"github.com/teranos/chime/db"
	"github.com/teranos/chime/errors"
	"github.com/teranos/chime/logger"
)

// ConfigPath is the --config override wired by the root command. Empty
// means the standard cascade.
var ConfigPath string

// loadConfig reads configuration, honoring the --config override.
func loadConfig() (*config.Config, error) {
	if ConfigPath != "" {
		return config.LoadFromFile(ConfigPath)
	}
	return config.Load()
}

// openDatabase opens and migrates the configured database. Uses
// logger.Logger for db operations.
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	dbPath := cfg.GetDatabasePath()

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}

// openGateway opens the database and wraps it in the retrying gateway
// both stores consume.
func openGateway(cfg *config.Config) (*sql.DB, *db.Gateway, error) {
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	return database, db.NewGateway(database, logger.Logger), nil
}
