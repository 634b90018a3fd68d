package app

import (
	"context"
	"fmt"

	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/service"
)

// seedDefaultUser creates the configured default user through the users
// pipeline, so its password is hashed like any other. An existing user
// with the same login is kept.
func (a *App) seedDefaultUser(ctx context.Context) error {
	cfg := a.config.Auth
	u := cfg.DefaultUser

	hc := service.NewContext(usersPath, service.Create)
	hc.Data = api.Record{
		cfg.Local.UsernameField: u.Email,
		cfg.Local.PasswordField: u.Password,
		"permissions":           append([]string(nil), u.Permissions...),
	}

	result, err := a.engine.Call(ctx, hc)
	if api.IsType(err, api.ErrorTypeConflict) {
		a.logger.Info("default user already exists", "email", u.Email)
		return nil
	}
	if err != nil {
		return err
	}
	rec, ok := result.(api.Record)
	if !ok {
		return fmt.Errorf("unexpected create result %T", result)
	}
	a.logger.Info("created default user", "id", rec.ID(), "email", u.Email)
	return nil
}
