// Package main: chainwatchctl, the operator tool for user, quota and session administration.
// It works against the configured store directly, so it can run while the daemon is down.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/joho/godotenv"

	"github.com/tarancss/chainwatch/lib/config"
	"github.com/tarancss/chainwatch/lib/logger"
	"github.com/tarancss/chainwatch/lib/store"
	"github.com/tarancss/chainwatch/lib/store/db"
	"github.com/tarancss/chainwatch/lib/user"
)

func main() {
	confPath := flag.String("c", "", "flag to get configuration from json file")
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
	}

	_ = godotenv.Load()

	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		fail(err)
	}

	// keep the command output clean
	logger.Init("error")

	dbh, err := db.New(conf.Database.Type, conf.Database.Conn)
	if err != nil {
		fail(err)
	}

	defer dbh.Close()

	users := user.NewManager(dbh, conf.Settings.Multiuser)
	ctx := context.Background()

	switch flag.Arg(0) {
	case "user":
		err = userCmd(ctx, users, dbh, flag.Args()[1:])
	case "quota":
		err = quotaCmd(ctx, users, dbh, flag.Args()[1:])
	case "stats":
		err = statsCmd(ctx, dbh)
	case "cleanup":
		err = cleanupCmd(ctx, dbh)
	default:
		usage()
	}

	if err != nil {
		fail(err)
	}
}

func userCmd(ctx context.Context, users *user.Manager, dbh store.DB, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: user create|list|show|update|delete|reset-key")
	}

	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("user create", flag.ExitOnError)
		username := fs.String("username", "", "login name")
		email := fs.String("email", "", "contact email")
		role := fs.String("role", store.RoleUser, "admin, user or viewer")
		_ = fs.Parse(args[1:])

		u, key, err := users.Register(ctx, *username, *email, *role)
		if err != nil {
			return err
		}

		fmt.Printf("user %d (%s) created\nAPI key (shown once): %s\n", u.ID, u.Username, key)

	case "list":
		list, err := dbh.ListUsers(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUSERNAME\tEMAIL\tROLE\tSTATUS\tRATE\tCREATED")

		for _, u := range list {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
				u.ID, u.Username, u.Email, u.Role, u.Status, u.RateLimit, u.CreatedAt.Format("2006-01-02"))
		}

		return w.Flush()

	case "show":
		fs := flag.NewFlagSet("user show", flag.ExitOnError)
		id := fs.Int64("id", 0, "user id")
		_ = fs.Parse(args[1:])

		p, err := users.PrincipalOf(ctx, *id)
		if err != nil {
			return err
		}

		return printJSON(map[string]interface{}{"user": p.User, "quotas": p.Quotas})

	case "update":
		return updateUser(ctx, dbh, args[1:])

	case "delete":
		fs := flag.NewFlagSet("user delete", flag.ExitOnError)
		id := fs.Int64("id", 0, "user id")
		_ = fs.Parse(args[1:])

		if err := dbh.DeleteUser(ctx, *id); err != nil {
			return err
		}

		fmt.Printf("user %d deleted\n", *id)

	case "reset-key":
		fs := flag.NewFlagSet("user reset-key", flag.ExitOnError)
		id := fs.Int64("id", 0, "user id")
		_ = fs.Parse(args[1:])

		key, err := users.ResetAPIKey(ctx, *id)
		if err != nil {
			return err
		}

		fmt.Printf("new API key (shown once): %s\n", key)

	default:
		return fmt.Errorf("unknown user command %q", args[0])
	}

	return nil
}

func updateUser(ctx context.Context, dbh store.DB, args []string) error {
	fs := flag.NewFlagSet("user update", flag.ExitOnError)
	id := fs.Int64("id", 0, "user id")
	role := fs.String("role", "", "admin, user or viewer")
	status := fs.String("status", "", "active, inactive, suspended or banned")
	rate := fs.Int("rate", 0, "requests per minute, 0 uses the global limit")
	_ = fs.Parse(args)

	seen := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { seen[f.Name] = true })

	u, err := dbh.UserByID(ctx, *id)
	if err != nil {
		return err
	}

	if seen["role"] {
		switch *role {
		case store.RoleAdmin, store.RoleUser, store.RoleViewer:
			u.Role = *role
		default:
			return fmt.Errorf("unknown role %q", *role)
		}
	}

	if seen["status"] {
		switch *status {
		case store.StatusActive, store.StatusInactive, store.StatusSuspended, store.StatusBanned:
			u.Status = *status
		default:
			return fmt.Errorf("unknown status %q", *status)
		}
	}

	if seen["rate"] {
		u.RateLimit = *rate
	}

	if err = dbh.UpdateUser(ctx, u); err != nil {
		return err
	}

	fmt.Printf("user %d updated\n", u.ID)

	return nil
}

func quotaCmd(ctx context.Context, users *user.Manager, dbh store.DB, args []string) error {
	if len(args) == 0 || args[0] != "set" {
		return errors.New("usage: quota set -id <user> [-addresses N] [-daily N] [-monitors N] [-collect] [-create] [-view]")
	}

	fs := flag.NewFlagSet("quota set", flag.ExitOnError)
	id := fs.Int64("id", 0, "user id")
	addresses := fs.Int("addresses", 0, "max monitored addresses, 0 is unlimited")
	daily := fs.Int("daily", 0, "max API calls per day, 0 is unlimited")
	monitors := fs.Int("monitors", 0, "max concurrent monitors, 0 is unlimited")
	collect := fs.Bool("collect", false, "allow funds collection")
	create := fs.Bool("create", false, "allow adding addresses")
	view := fs.Bool("view", false, "allow reading transactions")
	_ = fs.Parse(args[1:])

	seen := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { seen[f.Name] = true })

	// start from the stored quotas so unset flags keep their value
	p, err := users.PrincipalOf(ctx, *id)
	if err != nil {
		return err
	}

	q := p.Quotas
	q.UserID = *id

	if seen["addresses"] {
		q.MaxMonitoredAddresses = *addresses
	}

	if seen["daily"] {
		q.MaxDailyAPICalls = *daily
	}

	if seen["monitors"] {
		q.MaxConcurrentMonitors = *monitors
	}

	if seen["collect"] {
		q.CanCollectFunds = *collect
	}

	if seen["create"] {
		q.CanCreateAddresses = *create
	}

	if seen["view"] {
		q.CanViewTransactions = *view
	}

	if err = dbh.SetQuotas(ctx, q); err != nil {
		return err
	}

	fmt.Printf("quotas of user %d updated\n", *id)

	return nil
}

func statsCmd(ctx context.Context, dbh store.DB) error {
	st, err := dbh.Stats(ctx, nil)
	if err != nil {
		return err
	}

	return printJSON(st)
}

func cleanupCmd(ctx context.Context, dbh store.DB) error {
	n, err := dbh.DeleteExpiredSessions(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("%d expired sessions removed\n", n)

	return nil
}

func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(b))

	return nil
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "chainwatchctl:", err)
	os.Exit(1)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: chainwatchctl [-c config.json] <command>

commands:
  user create -username <name> -email <email> [-role admin|user|viewer]
  user list
  user show -id <user>
  user update -id <user> [-role R] [-status S] [-rate N]
  user delete -id <user>
  user reset-key -id <user>
  quota set -id <user> [-addresses N] [-daily N] [-monitors N] [-collect] [-create] [-view]
  stats
  cleanup`)
	os.Exit(2)
}
