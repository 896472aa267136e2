// Package httpapi exposes the coordinator operations over JSON/HTTP.
package httpapi

import (
	"context"

	"github.com/mistakeknot/interlock/internal/core"
)

// Coordinator is the operation surface the handlers need. *coord.Service
// implements it.
type Coordinator interface {
	Register(ctx context.Context, req core.RegisterRequest) (core.RegisterResult, error)
	Heartbeat(ctx context.Context, req core.HeartbeatRequest) (core.HeartbeatResult, error)
	Lock(ctx context.Context, req core.LockRequest) (core.LockResult, error)
	Unlock(ctx context.Context, req core.UnlockRequest) (core.UnlockResult, error)
	Status(ctx context.Context, project string) (core.StatusResult, error)
	Log(ctx context.Context, req core.LogRequest) (core.LogResult, error)
}

type Service struct {
	coord Coordinator
}

func NewService(c Coordinator) *Service {
	return &Service{coord: c}
}
