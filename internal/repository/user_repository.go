package repository

import (
	"context"

	"github.com/honeynil/ScanOrchestrator/internal/models"
)

type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	Upsert(ctx context.Context, user *models.User) error
	SetPro(ctx context.Context, id string, isPro bool) error
}
