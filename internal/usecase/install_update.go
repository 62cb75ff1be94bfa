package usecase

import (
	"context"
	"strings"

	"justserve/internal/domain"
	"justserve/internal/domain/ports"
)

type InstallUpdate struct {
	Backend ports.UpdateBackend
	Logs    LogSink
}

func (uc InstallUpdate) Execute(ctx context.Context, downloadURL string) (string, error) {
	downloadURL = strings.TrimSpace(downloadURL)
	if downloadURL == "" {
		return "", domain.Validationf("download url is required")
	}

	uc.log(domain.LogSystem, "Installing update from "+downloadURL)
	msg, err := uc.Backend.InstallUpdate(ctx, downloadURL)
	if err != nil {
		err = wrapBackend(err)
		uc.log(domain.LogError, "Update failed: "+err.Error())
		return "", err
	}
	if msg == "" {
		msg = "Update installed"
	}
	uc.log(domain.LogSuccess, msg)
	return msg, nil
}

func (uc InstallUpdate) log(category domain.LogCategory, msg string) {
	if uc.Logs != nil {
		uc.Logs.Append(category, msg)
	}
}
