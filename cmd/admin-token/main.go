// Command admin-token issues a signed admin token for the admin API.
//
//	STRENGTH_AUTH_JWT_SECRET=... admin-token -subject ops -ttl 2h
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Markmu/sector-strength-sub001/internal/auth"
	"github.com/Markmu/sector-strength-sub001/internal/config"
)

const secretEnv = config.EnvPrefix + "_AUTH_JWT_SECRET"

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Getenv); err != nil {
		fmt.Fprintln(os.Stderr, "admin-token:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer, getenv func(string) string) error {
	fs := flag.NewFlagSet("admin-token", flag.ContinueOnError)
	subject := fs.String("subject", "", "Token subject, recorded as the creator of tasks (required)")
	role := fs.String("role", auth.RoleAdmin, "Role claim")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	secret := fs.String("secret", "", "Signing secret (defaults to $"+secretEnv+")")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *subject == "" {
		return errors.New("-subject is required")
	}
	if *ttl <= 0 {
		return errors.New("-ttl must be positive")
	}
	key := *secret
	if key == "" {
		key = getenv(secretEnv)
	}

	tokens, err := auth.NewTokenService(config.AuthConfig{
		JWTSecret:            key,
		TokenLifetimeMinutes: 60,
	})
	if err != nil {
		return err
	}
	token, err := tokens.Issue(context.Background(), *subject, *role, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}
