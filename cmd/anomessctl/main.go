package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/matheus3301/anomess/internal/config"
	"github.com/matheus3301/anomess/internal/lock"
	"github.com/matheus3301/anomess/internal/profile"
	"github.com/matheus3301/anomess/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	if err := config.LoadEnvFile(profile.EnvPath()); err != nil {
		return fail(err)
	}
	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		return fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		return 1
	}

	if handled, err := runLockFree(os.Stdout, *jsonFlag, args[0], profileName); handled {
		if err != nil {
			return fail(err)
		}
		return 0
	}

	// The store has a single owner; refuse while the daemon holds the profile.
	lk, err := lock.Acquire(profile.LockPath(profileName))
	var held *lock.LockHeldError
	if errors.As(err, &held) {
		return fail(fmt.Errorf("profile %q is in use by anomessd (pid %d); stop it first", profileName, held.PID))
	}
	if err != nil {
		return fail(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(profile.DBPath(profileName))
	if err != nil {
		return fail(err)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Migrate(); err != nil {
		return fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cli := &CLI{DB: db, Out: os.Stdout, JSON: *jsonFlag}
	if err := cli.Run(ctx, args); err != nil {
		if errors.Is(err, errUsage) {
			printUsage()
		}
		return fail(err)
	}
	return 0
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: anomessctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                        Show the profile and whether anomessd owns it")
	fmt.Fprintln(os.Stderr, "  profiles                      List profiles on disk")
	fmt.Fprintln(os.Stderr, "  contacts                      List contacts")
	fmt.Fprintln(os.Stderr, "  add-contact <address> <name>  Add a contact without a key")
	fmt.Fprintln(os.Stderr, "  rename <address> <name>       Rename a contact")
	fmt.Fprintln(os.Stderr, "  conversation <address>        Show a conversation")
	fmt.Fprintln(os.Stderr, "  pending                       List messages waiting to be sent")
	fmt.Fprintln(os.Stderr, "  unread <address>              Count unread messages from a contact")
	fmt.Fprintln(os.Stderr, "  read <address>                Mark a conversation as read")
	fmt.Fprintln(os.Stderr, "  clear <address>               Delete a conversation")
	fmt.Fprintln(os.Stderr, "  delete <id>...                Delete messages by id")
	fmt.Fprintln(os.Stderr, "  stats                         Show store counts")
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}
