package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"jimchat/internal/auth"
	"jimchat/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	subcmd := args[0]
	switch subcmd {
	case "version":
		fmt.Printf("jimserver %s\n", Version)
		return true
	case "users":
		return cliUsers(args[1:], dbPath)
	case "active":
		return cliActive(dbPath)
	case "history":
		return cliHistory(args[1:], dbPath)
	case "stats":
		return cliStats(dbPath)
	default:
		return false
	}
}

func openStore(dbPath string) *store.Storage {
	db, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return db
}

func cliUsers(args []string, dbPath string) bool {
	db := openStore(dbPath)
	defer db.Close()
	ctx := context.Background()

	if len(args) == 0 || args[0] == "list" {
		users, err := db.AllUsers(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(users) == 0 {
			fmt.Println("No accounts registered.")
			return true
		}
		for _, u := range users {
			fmt.Printf("  %s\tlast login %s\n", u.Name, u.LastLogin.Format(time.RFC1123))
		}
		return true
	}

	if args[0] == "add" && len(args) > 2 {
		name, password := args[1], args[2]
		err := db.Register(ctx, name, auth.PasswordHash(name, password))
		if errors.Is(err, store.ErrAlreadyExists) {
			fmt.Fprintf(os.Stderr, "account %q already exists\n", name)
			os.Exit(1)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Registered account %q\n", name)
		return true
	}

	if args[0] == "del" && len(args) > 1 {
		name := args[1]
		err := db.Delete(ctx, name)
		if errors.Is(err, store.ErrNotRegistered) {
			fmt.Fprintf(os.Stderr, "account %q is not registered\n", name)
			os.Exit(1)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Deleted account %q\n", name)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: jimserver users [list|add <name> <password>|del <name>]\n")
	os.Exit(1)
	return true
}

func cliActive(dbPath string) bool {
	db := openStore(dbPath)
	defer db.Close()

	sessions, err := db.ActiveUsers(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(sessions) == 0 {
		fmt.Println("No active sessions.")
		return true
	}
	for _, s := range sessions {
		fmt.Printf("  %s\t%s:%d\tsince %s\n", s.Name, s.IPAddress, s.Port, s.LoginTime.Format(time.RFC1123))
	}
	return true
}

func cliHistory(args []string, dbPath string) bool {
	db := openStore(dbPath)
	defer db.Close()

	name := ""
	if len(args) > 0 {
		name = args[0]
	}
	records, err := db.LoginHistory(context.Background(), name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		fmt.Println("No login records.")
		return true
	}
	for _, r := range records {
		fmt.Printf("  %s\t%s:%d\t%s\n", r.Name, r.IPAddress, r.Port, r.DateTime.Format(time.RFC1123))
	}
	return true
}

func cliStats(dbPath string) bool {
	db := openStore(dbPath)
	defer db.Close()

	stats, err := db.MessageHistory(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(stats) == 0 {
		fmt.Println("No accounts registered.")
		return true
	}
	fmt.Printf("  %-20s %-8s %-8s %s\n", "ACCOUNT", "SENT", "RECEIVED", "LAST LOGIN")
	for _, s := range stats {
		fmt.Printf("  %-20s %-8d %-8d %s\n", s.Name, s.Sent, s.Accepted, s.LastLogin.Format(time.RFC1123))
	}
	return true
}
