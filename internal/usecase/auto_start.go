package usecase

import (
	"context"
	"log/slog"
	"strings"

	"justserve/internal/domain"
)

type SessionStarter interface {
	StartSession(ctx context.Context, kind domain.SessionKind, params domain.SessionParams) (string, error)
}

type PreferencesReader interface {
	Get() domain.Preferences
}

// AutoStart restarts the last local serve at boot when the user asked for it.
type AutoStart struct {
	Sessions SessionStarter
	Prefs    PreferencesReader
	Logger   *slog.Logger
}

func (uc AutoStart) Execute(ctx context.Context) (string, bool, error) {
	prefs := uc.Prefs.Get()
	path := strings.TrimSpace(prefs.LastContentPath)
	if !prefs.AutoStart || path == "" {
		return "", false, nil
	}

	logger := uc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("auto starting local serve", slog.String("path", path), slog.Int("port", prefs.DefaultPort))

	url, err := uc.Sessions.StartSession(ctx, domain.KindLocalServe, domain.SessionParams{
		Port:        prefs.DefaultPort,
		ContentPath: path,
	})
	if err != nil {
		logger.Warn("auto start failed", slog.String("error", err.Error()))
		return "", true, err
	}
	return url, true, nil
}
