package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nulzo/model-gateway/internal/cli"
	"github.com/nulzo/model-gateway/internal/platform/logger"
	"github.com/nulzo/model-gateway/internal/store"
	"github.com/nulzo/model-gateway/internal/store/model"
	"github.com/nulzo/model-gateway/internal/store/sqlite"
	"go.uber.org/zap"
)

func main() {
	dsn := flag.String("dsn", "file:gateway.db?cache=shared&_journal_mode=WAL&_busy_timeout=5000", "sqlite dsn")
	email := flag.String("email", "dev@example.com", "owner of the key")
	name := flag.String("name", "Development Key", "key label")
	days := flag.Int("expires-in-days", 0, "key lifetime; 0 never expires")
	flag.Parse()

	logger.Initialize(logger.DefaultConfig())
	log := logger.Get()
	defer logger.Sync()

	repo, err := sqlite.NewSQLiteStorage(*dsn, log)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer func() {
		_ = repo.Close()
	}()

	ctx := context.Background()

	user, err := repo.Users().GetByEmail(ctx, *email)
	if errors.Is(err, store.ErrNotFound) {
		user = &model.User{ID: uuid.NewString(), Email: *email, Name: *email, Role: "user"}
		if err := repo.Users().Create(ctx, user); err != nil {
			log.Fatal("Failed to create user", zap.Error(err))
		}
		fmt.Printf("%s Created user %s\n", cli.CheckMark(), user.ID)
	} else if err != nil {
		log.Fatal("Failed to look up user", zap.Error(err))
	}

	var expires *time.Time
	if *days > 0 {
		t := time.Now().UTC().AddDate(0, 0, *days)
		expires = &t
	}

	plaintext, key, err := store.NewAPIKey(user.ID, *name, expires)
	if err != nil {
		log.Fatal("Failed to generate key", zap.Error(err))
	}
	if err := repo.APIKeys().Create(ctx, key); err != nil {
		log.Fatal("Failed to store key", zap.Error(err))
	}

	out, _ := json.MarshalIndent(map[string]string{
		"user_id": user.ID,
		"key_id":  key.ID,
		"api_key": plaintext,
	}, "", "  ")

	fmt.Printf("%s Seeded database\n", cli.CheckMark())
	fmt.Println(cli.HighlightJSON(string(out)))
	fmt.Fprintf(os.Stderr, "Use it as: Authorization: Bearer %s\n", plaintext)
}
