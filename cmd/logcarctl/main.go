// Package main implements logcarctl, an admin REPL operating directly on
// the record façade (A8 in SPEC_FULL.md), independent of the HTTP façade.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/chzyer/readline"

	"github.com/logcario/logcar/internal/config"
	"github.com/logcario/logcar/internal/graphqlclient"
	"github.com/logcario/logcar/internal/store"
)

const (
	prompt       = "\033[32mlogcar>\033[0m "
	resultPrefix = "\033[31m=\033[0m "
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(1)
	}

	emitter := store.NewEmitter(os.Stdout)
	searchClient := graphqlclient.New(graphqlclient.Config{
		Endpoint:      cfg.BackboardURL,
		DeploymentID:  cfg.DeploymentID,
		EnvironmentID: cfg.EnvironmentID,
	})
	facade := store.NewFacade(store.Config{
		DeploymentID:      cfg.DeploymentID,
		EncryptionEnabled: cfg.EncryptionEnabled,
		EncryptionKey:     cfg.EncryptionKey,
		MaxChunkLength:    cfg.MaxChunkLength,
		MaxFragmentCount:  cfg.MaxFragmentCount,
		MaxLogRequestSize: cfg.MaxLogRequestSize,
	}, emitter, searchClient, nil, nil)

	repl(facade, logger)
}

func repl(facade *store.Facade, logger *slog.Logger) {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            prompt,
		HistoryFile:       "/tmp/.logcarctl-history",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			break
		} else if err != nil {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		dispatch(context.Background(), facade, logger, line)
	}
}

func dispatch(ctx context.Context, facade *store.Facade, logger *slog.Logger, line string) {
	fields := strings.SplitN(line, " ", 3)
	cmd := fields[0]

	switch cmd {
	case "create":
		if len(fields) < 2 {
			fmt.Println(resultPrefix, "usage: create <json-value>")
			return
		}
		var value any
		if err := json.Unmarshal([]byte(strings.SplitN(line, " ", 2)[1]), &value); err != nil {
			fmt.Println(resultPrefix, "invalid json:", err)
			return
		}
		rec, err := facade.Create(ctx, value, store.WriteOpts{})
		printRecord(rec, err)

	case "read":
		if len(fields) < 2 {
			fmt.Println(resultPrefix, "usage: read <rid>")
			return
		}
		rec, err := facade.Read(ctx, fields[1], store.WriteOpts{})
		printRecord(rec, err)

	case "update":
		if len(fields) < 3 {
			fmt.Println(resultPrefix, "usage: update <rid> <json-value>")
			return
		}
		var value any
		if err := json.Unmarshal([]byte(fields[2]), &value); err != nil {
			fmt.Println(resultPrefix, "invalid json:", err)
			return
		}
		rec, err := facade.Update(ctx, fields[1], value, store.WriteOpts{})
		printRecord(rec, err)

	case "delete":
		if len(fields) < 2 {
			fmt.Println(resultPrefix, "usage: delete <rid>")
			return
		}
		err := facade.Delete(ctx, fields[1])
		if err != nil {
			fmt.Println(resultPrefix, "error:", err)
			return
		}
		fmt.Println(resultPrefix, "ok")

	case "help":
		fmt.Println("commands: create <json>, read <rid>, update <rid> <json>, delete <rid>, help, exit")

	case "exit", "quit":
		os.Exit(0)

	default:
		fmt.Println(resultPrefix, "unknown command:", cmd, "(try 'help')")
	}
}

func printRecord(rec store.Record, err error) {
	if err != nil {
		fmt.Println(resultPrefix, "error:", err)
		return
	}
	encoded, _ := json.Marshal(rec.Value)
	fmt.Printf("%s rid=%s incomplete=%v value=%s\n", resultPrefix, rec.RID, rec.Incomplete, encoded)
}
