package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nhle/pimsync/internal/account"
	"github.com/nhle/pimsync/internal/auth"
	"github.com/nhle/pimsync/internal/credential"
	"github.com/nhle/pimsync/internal/discovery"
	"github.com/nhle/pimsync/internal/identity"
	"github.com/nhle/pimsync/internal/model"
	"github.com/nhle/pimsync/internal/store"
	pimsync "github.com/nhle/pimsync/internal/sync"
)

// components is everything a command needs, built from the loaded config.
type components struct {
	store    *store.SQLiteStore
	auth     *auth.Manager
	orch     *pimsync.Orchestrator
	accounts *account.Service
}

func openComponents() (*components, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	secrets := credential.NewKeyringStore(cfg.Keyring.FileDir)
	timeout := cfg.Sync.RequestTimeout()
	disc := discovery.NewWebDAVDiscovery(timeout, logger)
	mapper := identity.NewMapper(
		identity.NewStoreFramework(st),
		identity.ParseFanOut(cfg.Identity.FanOut),
		logger,
	)
	authMgr := auth.NewManager(disc, logger)

	orch := pimsync.New(pimsync.Deps{
		Store:     st,
		Secrets:   secrets,
		Discovery: disc,
		Content:   pimsync.NewWebDAVContentSyncer(timeout, pimsync.NewMemoryContentStore(), logger),
		Identity:  mapper,
		Logger:    logger,
	}, cfg.Sync)

	accounts := account.NewService(account.Deps{
		Store:     st,
		Secrets:   secrets,
		Auth:      authMgr,
		Discovery: disc,
		Creator:   disc,
		Identity:  mapper,
		Logger:    logger,
	})

	return &components{
		store:    st,
		auth:     authMgr,
		orch:     orch,
		accounts: accounts,
	}, nil
}

func (c *components) Close() {
	_ = c.orch.Close()
	_ = c.store.Close()
}

func schedulerTick() time.Duration {
	return time.Duration(cfg.Sync.SchedulerTickSec) * time.Second
}

func defaultLogPath() string {
	return filepath.Join(model.ConfigDir(), "pimsync.log")
}

// parseKind maps a --kind flag to a sync target.
func parseKind(s string) (model.SyncKind, error) {
	switch k := model.SyncKind(s); k {
	case model.SyncCalendar, model.SyncContacts, model.SyncWebCal, model.SyncAll:
		return k, nil
	case "":
		return model.SyncAll, nil
	default:
		return "", fmt.Errorf("unknown kind %q (calendar, contacts, webcal, all)", s)
	}
}
