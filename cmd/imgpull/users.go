package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/marmos91/imgpull/internal/table"
	"github.com/marmos91/imgpull/pkg/store/users"
)

const usersUsage = `usage: imgpull users <subcommand> [flags]

  list                  show every record
  add <name> <password> create a record
  ban <name>            ban a record
  unban <name>          lift a ban and reset strikes
  seed                  create the default records that are missing`

func runUsers(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("users")
	fs.String("users-type", "", "User store (file, badger, memory)")
	fs.String("users-file", "", "User record file of the file store")
	fs.Usage = func() {
		fmt.Println(usersUsage)
		fmt.Println()
		fmt.Print(fs.FlagUsages())
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("missing subcommand\n%s", usersUsage)
	}

	cfg, err := loadConfig(fs, *configPath)
	if err != nil {
		return err
	}
	// Administration never seeds implicitly.
	cfg.Users.SeedDefaults = false

	store, closeStore, err := openUserStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	sub, rest := fs.Arg(0), fs.Args()[1:]
	switch sub {
	case "list":
		return listUsers(ctx, store)
	case "add":
		if len(rest) != 2 {
			return fmt.Errorf("usage: imgpull users add <name> <password>")
		}
		if err := store.Create(ctx, users.User{Name: rest[0], Password: rest[1]}); err != nil {
			return err
		}
		fmt.Printf("user %s created\n", rest[0])
		return nil
	case "ban", "unban":
		if len(rest) != 1 {
			return fmt.Errorf("usage: imgpull users %s <name>", sub)
		}
		banned := sub == "ban"
		err := store.Update(ctx, rest[0], func(u *users.User) error {
			u.Banned = banned
			if !banned {
				u.Strikes = 0
			}
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Printf("user %s %sned\n", rest[0], sub)
		return nil
	case "seed":
		added, err := users.Seed(ctx, store, users.DefaultUsers())
		if err != nil {
			return err
		}
		fmt.Printf("%d default user(s) added\n", added)
		return nil
	default:
		return fmt.Errorf("unknown subcommand %q\n%s", sub, usersUsage)
	}
}

func listUsers(ctx context.Context, store users.Store) error {
	list, err := store.List(ctx)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(list))
	for _, u := range list {
		banned := "no"
		if u.Banned {
			banned = "yes"
		}
		rows = append(rows, []string{u.Name, strconv.Itoa(u.Strikes), banned})
	}
	fmt.Print(table.Render([]string{"name", "strikes", "banned"}, rows))
	return nil
}
