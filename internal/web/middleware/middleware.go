package middleware

import (
	"log/slog"

	"ohbridge/auth"
	"ohbridge/internal/logging"
)

type MiddlewareManager struct {
	auth   *auth.AuthModule
	logger *slog.Logger
}

func NewMiddlewareManager(auth *auth.AuthModule, logger *slog.Logger) *MiddlewareManager {
	return &MiddlewareManager{
		auth:   auth,
		logger: logging.Component(logger, "web"),
	}
}
