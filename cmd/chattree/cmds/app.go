package cmds

import (
	"os"
	"path/filepath"

	"github.com/go-go-golems/chattree/pkg/chatstore"
	"github.com/go-go-golems/chattree/pkg/conversation"
	"github.com/go-go-golems/chattree/pkg/helpers"
	"github.com/go-go-golems/chattree/pkg/persistence"
	"github.com/go-go-golems/chattree/pkg/provider"
	"github.com/go-go-golems/chattree/pkg/settings"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// app bundles what every command needs: settings, the opened store and the
// message tree manager.
type app struct {
	settings  *settings.Settings
	allocator *conversation.IDAllocator
	bus       *persistence.Bus
	store     persistence.Store
	manager   *chatstore.ManagerImpl
}

func openApp() (*app, error) {
	s, err := settings.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	allocator := conversation.DefaultAllocator
	bus := persistence.NewBus(helpers.NewWatermill(log.Logger))
	options := []persistence.Option{
		persistence.WithAllocator(allocator),
		persistence.WithBus(bus),
	}

	var store persistence.Store
	switch s.StoreEngine {
	case settings.EngineMemory:
		store = persistence.NewInMemoryStore(options...)
	case settings.EngineSQLite:
		if err := os.MkdirAll(filepath.Dir(s.StorePath), 0o755); err != nil {
			return nil, err
		}
		dsn, err := persistence.SQLiteDSNForFile(s.StorePath)
		if err != nil {
			return nil, err
		}
		store, err = persistence.NewSQLiteStore(dsn, options...)
		if err != nil {
			return nil, errors.Wrapf(err, "open sqlite store %s", s.StorePath)
		}
	case settings.EnginePebble:
		store, err = persistence.NewPebbleStore(s.StorePath, options...)
		if err != nil {
			return nil, errors.Wrapf(err, "open pebble store %s", s.StorePath)
		}
	default:
		return nil, errors.Errorf("unknown store engine %q", s.StoreEngine)
	}

	log.Debug().Str("engine", s.StoreEngine).Str("path", s.StorePath).Msg("store opened")
	return &app{
		settings:  s,
		allocator: allocator,
		bus:       bus,
		store:     store,
		manager:   chatstore.NewManager(store, chatstore.WithAllocator(allocator)),
	}, nil
}

func (a *app) provider() provider.Provider {
	if a.settings.Provider == settings.ProviderEcho {
		return provider.NewEchoProvider()
	}
	return provider.NewOpenAIProvider(a.settings.BaseURL, a.settings.APIKey)
}

func (a *app) providerOptions() provider.Options {
	return provider.Options{
		Temperature:     a.settings.Temperature,
		TopP:            a.settings.TopP,
		MaxTokens:       a.settings.MaxTokens,
		TimingsPerToken: a.settings.TimingsPerToken,
	}
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("could not close store")
	}
	if err := a.bus.Close(); err != nil {
		log.Warn().Err(err).Msg("could not close bus")
	}
}
