package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	server "posreports/internal/http"
)

// TokenAction prints a bearer token for the API. It only needs the
// signing secret, so no browser or backing service is touched.
func TokenAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Auth.Secret == "" {
		return errors.New("auth.secret (or AUTH_SECRET) is not set")
	}

	ttl := cmd.Duration("ttl")
	if ttl <= 0 {
		ttl = time.Duration(cfg.Auth.TokenTTLMinutes) * time.Minute
	}
	tok, err := server.IssueToken(cfg.Auth.Secret, cmd.String("client"), ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
