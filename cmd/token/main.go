// Command token mints an access token for calling the tenant API.
package main

import (
	"flag"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"msggateway/internal/platform/auth"
	"msggateway/internal/platform/config"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	tenantID := flag.String("tenant", "", "Tenant ID (required)")
	userID := flag.String("user", "cli", "User ID placed in the token")
	role := flag.String("role", auth.RoleManager, "Role: admin, manager or agent")
	flag.Parse()

	_ = godotenv.Load()

	if *tenantID == "" {
		log.Fatal().Msg("-tenant is required")
	}
	switch *role {
	case auth.RoleAdmin, auth.RoleManager, auth.RoleAgent:
	default:
		log.Fatal().Str("role", *role).Msg("unknown role")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	token, err := auth.NewTokenService(cfg.JWT).GenerateAccessToken(*userID, *tenantID, *role)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to sign token")
	}
	fmt.Println(token)
}
