package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/openapex/wabridge/pkg/storage"
	"github.com/openapex/wabridge/pkg/storage/repository"
)

// migrateCommand copies the stored session credentials from one storage
// backend to another.
func migrateCommand(args []string) int {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config.json")
	envPath := fs.String("env", "", "path to a .env file")
	from := fs.String("from", "file", "source storage type (file, sqlite, postgres)")
	to := fs.String("to", "", "destination storage type (default: storage.type from config)")
	yes := fs.Bool("yes", false, "do not ask for confirmation")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := loadConfig(*configPath, *envPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		return exitError
	}

	destType := *to
	if destType == "" {
		destType = cfg.Storage.Type
	}
	if destType == *from {
		fmt.Printf("Source and destination are both %q, nothing to do\n", destType)
		return exitUsage
	}

	fmt.Println("wabridge credential migration")
	fmt.Println("=============================")
	fmt.Printf("Source:      %s\n", *from)
	fmt.Printf("Destination: %s\n", destType)
	fmt.Println()

	if !*yes {
		ok, err := confirm("Overwrite the destination session credentials? (yes/no): ")
		if err != nil || !ok {
			fmt.Println("Migration cancelled")
			return exitOK
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	fmt.Printf("Connecting to source (%s)...\n", *from)
	source, err := openStorage(ctx, storageConfigFor(cfg, *from))
	if err != nil {
		fmt.Printf("Error opening source: %v\n", err)
		return exitError
	}
	defer source.Close()

	fmt.Printf("Connecting to destination (%s)...\n", destType)
	dest, err := openStorage(ctx, storageConfigFor(cfg, destType))
	if err != nil {
		fmt.Printf("Error opening destination: %v\n", err)
		return exitError
	}
	defer dest.Close()

	n, err := copyCredentials(ctx, source, dest)
	if errors.Is(err, repository.ErrNotFound) {
		fmt.Println("Source holds no session credentials, nothing migrated")
		return exitOK
	}
	if err != nil {
		fmt.Printf("Error migrating credentials: %v\n", err)
		return exitError
	}

	fmt.Printf("Migrated session credentials (%d bytes)\n", n)
	fmt.Println()
	fmt.Println("Remember to:")
	fmt.Printf("  1. Set storage.type to '%s' in config.json\n", destType)
	fmt.Println("  2. Restart wabridge for the change to take effect")
	return exitOK
}

func openStorage(ctx context.Context, cfg storage.Config) (storage.Storage, error) {
	s, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Connect(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// copyCredentials moves the credential blob from source to dest and returns
// its size in bytes.
func copyCredentials(ctx context.Context, source, dest storage.Storage) (int, error) {
	blob, err := source.Credentials().Load(ctx)
	if err != nil {
		return 0, err
	}
	if err := dest.Credentials().Save(ctx, blob); err != nil {
		return 0, fmt.Errorf("failed to save credentials: %w", err)
	}
	return len(blob), nil
}

func confirm(prompt string) (bool, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "no",
		Stdout:          os.Stdout,
	})
	if err != nil {
		return false, err
	}
	defer rl.Close()

	line, err := rl.Readline()
	if err != nil {
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(line), "yes"), nil
}
