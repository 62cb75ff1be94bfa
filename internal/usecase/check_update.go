package usecase

import (
	"context"
	"log/slog"
	"sync"

	"justserve/internal/domain"
	"justserve/internal/domain/ports"
)

// UpdateCache holds the last successful update check for the process
// lifetime.
type UpdateCache struct {
	mu      sync.RWMutex
	info    domain.UpdateInfo
	checked bool
}

func (c *UpdateCache) Latest() (domain.UpdateInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info, c.checked
}

func (c *UpdateCache) store(info domain.UpdateInfo) {
	c.mu.Lock()
	c.info = info
	c.checked = true
	c.mu.Unlock()
}

type CheckUpdate struct {
	Backend ports.UpdateBackend
	Logs    LogSink
	Cache   *UpdateCache
	Logger  *slog.Logger
}

// Execute never fails: a backend error reports "no update" and leaves a
// warning in the operational log.
func (uc CheckUpdate) Execute(ctx context.Context) domain.UpdateInfo {
	info, err := uc.Backend.CheckUpdate(ctx)
	if err != nil {
		if uc.Logger != nil {
			uc.Logger.Warn("update check failed", slog.String("error", err.Error()))
		}
		if uc.Logs != nil {
			uc.Logs.Append(domain.LogWarning, "Update check failed: "+err.Error())
		}
		return domain.UpdateInfo{Available: false}
	}
	if !info.Available {
		info = domain.UpdateInfo{Available: false}
	}
	if uc.Cache != nil {
		uc.Cache.store(info)
	}
	if info.Available && uc.Logs != nil {
		uc.Logs.Append(domain.LogInfo, "Update available: "+info.Version)
	}
	return info
}
