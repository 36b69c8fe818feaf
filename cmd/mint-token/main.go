// Command mint-token prints a signed service JWT for calling the API.
//
// Tokens are minted offline by an operator and handed to the calling
// system (MIS sync, shop floor boards); there is no runtime endpoint
// that issues them.
//
// Usage:
//
//	JWT_SECRET=... go run ./cmd/mint-token -subject mis-sync -service printmis -ttl 720h
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mhartley/printflow-go/internal/auth"
	"github.com/mhartley/printflow-go/internal/config"
)

func main() {
	subject := flag.String("subject", "", "token subject, the caller identity (required)")
	service := flag.String("service", "", "owning system name (required)")
	ttl := flag.Duration("ttl", 30*24*time.Hour, "token lifetime")
	flag.Parse()

	if *subject == "" || *service == "" {
		flag.Usage()
		os.Exit(2)
	}

	secret := os.Getenv("JWT_SECRET")
	if len(secret) < 32 {
		log.Fatalf("JWT_SECRET must be set to at least 32 characters")
	}

	cfg := config.Config{JWTSecret: secret}
	token, err := auth.GenerateServiceToken(cfg, auth.TokenPayload{Sub: *subject, Service: *service}, *ttl)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}

	fmt.Println(token)
}
