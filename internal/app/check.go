package app

import (
	"context"
	"errors"
)

// Check runs a single price check and prints the run report as JSON.
func (a *App) Check(ctx context.Context) error {
	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	rt := a.newWiring(ctx, repo, nil)
	defer rt.Close()

	report, runErr := rt.svc.RunOnce(ctx)
	if report.Skipped {
		a.Logger.Info().Msg("another instance holds the run lock; nothing checked")
	}

	if err := a.printJSON(report); err != nil {
		return err
	}
	return runErr
}

// Migrate applies the SQL scripts under database.migrations_path.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errNoDatabase
	}
	defer closeStore()

	applied, err := store.Migrate(ctx, a.Config.Database.MigrationsPath)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return errors.New("no migrations found in " + a.Config.Database.MigrationsPath)
	}
	for _, name := range applied {
		a.Logger.Info().Str("migration", name).Msg("migration applied")
	}
	return nil
}
