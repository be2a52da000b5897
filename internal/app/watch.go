package app

import (
	"context"
	"encoding/json"

	"github.com/jidegrand/travelcart/internal/service"
	"github.com/jidegrand/travelcart/internal/storage"
)

// withWatches runs fn against a service backed by postgres. Watch edits
// from the CLI are pointless against a throwaway in-memory store.
func (a *App) withWatches(ctx context.Context, fn func(svc *service.Service) error) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errNoDatabase
	}
	defer closeStore()

	rt := a.newWiring(ctx, store, nil)
	defer rt.Close()
	return fn(rt.svc)
}

// AddWatch prices a new route and stores it.
func (a *App) AddWatch(ctx context.Context, in service.NewWatch) error {
	return a.withWatches(ctx, func(svc *service.Service) error {
		w, err := svc.CreateWatch(ctx, in)
		if err != nil {
			return err
		}
		return a.printJSON(w)
	})
}

// UpdateWatch applies preference edits.
func (a *App) UpdateWatch(ctx context.Context, id string, prefs storage.Preferences) error {
	return a.withWatches(ctx, func(svc *service.Service) error {
		w, err := svc.UpdatePreferences(ctx, id, prefs)
		if err != nil {
			return err
		}
		return a.printJSON(w)
	})
}

// RemoveWatch deletes a watch and its history.
func (a *App) RemoveWatch(ctx context.Context, id string) error {
	return a.withWatches(ctx, func(svc *service.Service) error {
		if err := svc.RemoveWatch(ctx, id); err != nil {
			return err
		}
		a.Logger.Info().Str("watch_id", id).Msg("watch removed")
		return nil
	})
}

// GetWatch prints one watch, read through the cache when enabled.
func (a *App) GetWatch(ctx context.Context, id string) error {
	return a.withWatches(ctx, func(svc *service.Service) error {
		w, err := svc.GetWatch(ctx, id)
		if err != nil {
			return err
		}
		return a.printJSON(w)
	})
}

func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
