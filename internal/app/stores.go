package app

import (
	"context"

	"github.com/MrWong99/mcprouter/internal/config"
	"github.com/MrWong99/mcprouter/internal/store"
	"github.com/MrWong99/mcprouter/internal/store/postgres"
	"github.com/MrWong99/mcprouter/internal/store/sqlite"
)

// BuiltinStores returns a registry holding every store driver that ships
// with mcprouter.
func BuiltinStores() *config.StoreRegistry {
	r := config.NewStoreRegistry()

	r.Register(config.StoreMemory, func(context.Context, config.StoreConfig) (store.Store, func() error, error) {
		return store.NewMemStore(), nil, nil
	})

	r.Register(config.StorePostgres, func(ctx context.Context, cfg config.StoreConfig) (store.Store, func() error, error) {
		s, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error {
			s.Close()
			return nil
		}, nil
	})

	r.Register(config.StoreSQLite, func(_ context.Context, cfg config.StoreConfig) (store.Store, func() error, error) {
		s, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	})

	return r
}
