// Command jimclient is a terminal chat client. It keeps a per-account SQLite
// mirror of the server rosters and the local message history, and exposes a
// small line-oriented command set on stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"jimchat/internal/clientdb"
	"jimchat/internal/jim"
	"jimchat/internal/transport"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	addr := flag.String("addr", "127.0.0.1", "Server address")
	port := flag.Int("port", 7777, "Server port")
	name := flag.String("name", "", "Account name")
	password := flag.String("password", "", "Account password")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *name == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "both -name and -password are required")
		os.Exit(1)
	}
	if *port <= 1023 || *port >= 65536 {
		fmt.Fprintln(os.Stderr, "port must be in range 1024-65535")
		os.Exit(1)
	}

	mirror, err := clientdb.Open(fmt.Sprintf("jimclient_%s.db", *name))
	if err != nil {
		slog.Error("open client mirror", "err", err)
		os.Exit(1)
	}
	defer mirror.Close()

	t, err := transport.Connect(transport.Config{
		Addr:     *addr,
		Port:     *port,
		Username: *name,
		Password: *password,
		Mirror:   mirror,
	})
	if err != nil {
		var se *transport.ServerError
		if errors.As(err, &se) {
			fmt.Fprintln(os.Stderr, se.Msg)
		} else {
			fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		}
		os.Exit(1)
	}

	lost := make(chan struct{})
	t.SetOnMessage(func(m jim.Message) {
		fmt.Printf("\n[%s] %s: %s\n> ", m.Time, m.Sender, m.Text)
	})
	t.SetOnRosterChanged(func() {
		fmt.Printf("\nrosters updated by the server\n> ")
	})
	t.SetOnConnectionLost(func() {
		close(lost)
	})

	fmt.Printf("connected as %s (jimclient %s); type 'help' for commands\n", *name, Version)
	go repl(t, mirror)

	<-lost
	fmt.Fprintln(os.Stderr, "connection to server lost")
	os.Exit(1)
}

func repl(t *transport.Transport, mirror *clientdb.DB) {
	sc := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			runCommand(t, mirror, line)
		}
		if !t.Running() {
			return
		}
		fmt.Print("> ")
	}
	// EOF on stdin ends the session.
	t.Shutdown()
	os.Exit(0)
}

func runCommand(t *transport.Transport, mirror *clientdb.DB, line string) {
	ctx := context.Background()
	fields := strings.SplitN(line, " ", 3)
	switch fields[0] {
	case "help":
		fmt.Println(`commands:
  msg <user> <text>   send a message
  users               list known users
  contacts            list contacts
  add <user>          add a contact
  del <user>          remove a contact
  key <user>          fetch a user's public key
  history [user]      show local message history
  quit                close the session`)

	case "msg":
		if len(fields) < 3 {
			fmt.Println("usage: msg <user> <text>")
			return
		}
		if err := t.SendMessage(fields[1], fields[2]); err != nil {
			fmt.Printf("send failed: %v\n", err)
		}

	case "users":
		names, err := mirror.Users(ctx)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		for _, n := range names {
			fmt.Println("  " + n)
		}

	case "contacts":
		names, err := mirror.Contacts(ctx)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		for _, n := range names {
			fmt.Println("  " + n)
		}

	case "add":
		if len(fields) < 2 {
			fmt.Println("usage: add <user>")
			return
		}
		if err := t.AddContact(fields[1]); err != nil {
			fmt.Printf("error: %v\n", err)
		}

	case "del":
		if len(fields) < 2 {
			fmt.Println("usage: del <user>")
			return
		}
		if err := t.RemoveContact(fields[1]); err != nil {
			fmt.Printf("error: %v\n", err)
		}

	case "key":
		if len(fields) < 2 {
			fmt.Println("usage: key <user>")
			return
		}
		key, err := t.PublicKey(fields[1])
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Println(key)

	case "history":
		from := ""
		if len(fields) > 1 {
			from = fields[1]
		}
		rows, err := mirror.History(ctx, from, "")
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		for _, r := range rows {
			fmt.Printf("  [%s] %s -> %s: %s\n", r.Date.Format("15:04:05"), r.From, r.To, r.Text)
		}

	case "quit":
		t.Shutdown()
		os.Exit(0)

	default:
		fmt.Println("unknown command; type 'help'")
	}
}
