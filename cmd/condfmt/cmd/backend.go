package cmd

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/solatis/condfmt/internal/core/config"
	"github.com/solatis/condfmt/internal/core/db"
	"github.com/solatis/condfmt/internal/core/docstore"
	"github.com/solatis/condfmt/internal/core/grist"
	"github.com/solatis/condfmt/internal/rules"
)

// openBackend returns the document API selected by the configuration and a
// function releasing it.
func openBackend(cfg *config.Config) (rules.DocAPI, func() error, error) {
	switch cfg.Backend {
	case config.BackendGrist:
		client, err := grist.New(grist.Config{
			ServerURL: cfg.Grist.ServerURL,
			APIKey:    cfg.Grist.APIKey,
			Timeout:   cfg.Grist.RequestTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return client, func() error { return nil }, nil
	case config.BackendLocal:
		store, err := openStore(cfg)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// openStore opens the local document engine regardless of the selected backend.
func openStore(cfg *config.Config) (*docstore.Store, error) {
	store, err := docstore.Open(cfg.Local.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}
	return store, nil
}

// openControlDB opens and checks the control database.
func openControlDB() (*sqlx.DB, *db.Queries, error) {
	url, err := requireDBURL()
	if err != nil {
		return nil, nil, err
	}
	database, err := db.Open(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	statuses, err := db.MigrateStatus(database)
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to check migrations: %w", err)
	}
	for _, s := range statuses {
		if !s.Applied {
			database.Close()
			return nil, nil, fmt.Errorf("migration %s not applied - run 'condfmt migrate up' first", s.ID)
		}
	}
	queries, err := db.LoadQueries(database)
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to load queries: %w", err)
	}
	return database, queries, nil
}
