package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/troikatech/callbridge/pkg/auth"
	"github.com/troikatech/callbridge/pkg/env"
)

func main() {
	subject := flag.String("subject", "operator", "token subject")
	email := flag.String("email", "", "operator e-mail")
	role := flag.String("role", auth.RoleOperator, "operator or admin")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	cfg, err := env.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.JWTSecret == "" {
		log.Fatalf("JWT_SECRET is not set; the dashboard API is open and needs no token")
	}
	if *role != auth.RoleOperator && *role != auth.RoleAdmin {
		log.Fatalf("Unknown role %q", *role)
	}

	token, expires, err := auth.GenerateAccessToken(*subject, *email, *role, cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, *ttl)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}

	fmt.Println(token)
	log.Printf("Token for %s (%s) expires %s", *subject, *role, expires.Format(time.RFC3339))
}
