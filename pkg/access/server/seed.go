package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/mikepea/access/pkg/access/auth"
	"github.com/mikepea/access/pkg/access/config"
	"github.com/mikepea/access/pkg/access/models"
	"github.com/mikepea/access/pkg/access/store"
	"go.uber.org/zap"
)

// EnsureSuperUser creates the configured super user when no account with that
// email exists. An existing account is promoted. It reports whether anything changed.
func EnsureSuperUser(ctx context.Context, s *store.Store, seed config.SeedConf, log *zap.Logger) (bool, error) {
	if seed.SuperUserEmail == "" {
		return false, nil
	}

	existing, err := s.FindUserByEmail(ctx, seed.SuperUserEmail)
	switch {
	case err == nil:
		if existing.IsSuperUser() {
			return false, nil
		}
		existing.Authority = models.AuthoritySuperUser
		if err := s.SaveUser(ctx, existing); err != nil {
			return false, fmt.Errorf("promoting %s: %w", seed.SuperUserEmail, err)
		}
		log.Info("promoted existing user to super user", zap.String("email", existing.Email))
		return true, nil
	case !errors.Is(err, store.ErrNotFound):
		return false, err
	}

	user := &models.User{
		Email:     seed.SuperUserEmail,
		Name:      seed.SuperUserName,
		Authority: models.AuthoritySuperUser,
	}
	if seed.SuperUserPassword != "" {
		hash, err := auth.HashPassword(seed.SuperUserPassword)
		if err != nil {
			return false, err
		}
		user.PasswordHash = hash
	}
	if err := s.CreateUser(ctx, user); err != nil {
		return false, fmt.Errorf("creating super user: %w", err)
	}
	log.Info("created super user", zap.String("email", user.Email))
	return true, nil
}
