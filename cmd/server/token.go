package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"jobtalk/internal/config"
	"jobtalk/pkg/jwt"
)

var tokenCommand = &cli.Command{
	Name:  "token",
	Usage: "Issue an access token for a user id",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "user",
			Usage:    "User id to put in the token",
			Required: true,
		},
	},
	Action: cmdToken,
}

func cmdToken(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return err
	}

	token, err := jwt.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL).GenerateAccessToken(ctx.String("user"))
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}
	fmt.Println(token)
	return nil
}
