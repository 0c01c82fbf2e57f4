package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/howudoin/internal/apierr"
	"github.com/matheus3301/howudoin/internal/app"
	"github.com/matheus3301/howudoin/internal/profile"
	"github.com/spf13/pflag"
	"go.uber.org/fx"
)

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:]); err != nil {
		if err != errUsage {
			fmt.Fprintf(os.Stderr, "error: %s\n", apierr.UserMessage(err))
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet("howudoin", pflag.ContinueOnError)
	profileFlag := flagSet.String("profile", "", "profile name (overrides config default)")
	baseURL := flagSet.String("base-url", "", "service URL (overrides config)")
	jsonOut := flagSet.Bool("json", false, "output in JSON format")
	pollEvery := flagSet.Duration("poll", 0, "polling period for watch commands (overrides config)")
	flagSet.SetInterspersed(false)
	flagSet.Usage = func() { printUsage(flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	rest := flagSet.Args()
	if len(rest) == 0 {
		printUsage(flagSet)
		return errUsage
	}

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		return err
	}

	var client *app.Client
	fxApp := fx.New(
		app.Module(app.Params{ProfileName: profileName, BaseURL: *baseURL, PollInterval: *pollEvery}),
		fx.Populate(&client),
		fx.NopLogger,
	)
	if err := fxApp.Err(); err != nil {
		return err
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStart()
	if err := fxApp.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = fxApp.Stop(stopCtx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newCLI(client, os.Stdin, os.Stdout, *jsonOut)
	return cmd.dispatch(ctx, rest)
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintln(os.Stderr, "usage: howudoin [--profile <name>] [--base-url <url>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  login <email>                    Sign in (password is prompted)")
	fmt.Fprintln(os.Stderr, "  register                         Create an account")
	fmt.Fprintln(os.Stderr, "  logout                           Sign out")
	fmt.Fprintln(os.Stderr, "  whoami                           Show the signed-in identity")
	fmt.Fprintln(os.Stderr, "  friends                          List friends and pending requests")
	fmt.Fprintln(os.Stderr, "  friends add <email>              Send a friend request")
	fmt.Fprintln(os.Stderr, "  friends accept <email>           Accept a friend request")
	fmt.Fprintln(os.Stderr, "  friends decline <email>          Decline a friend request (local only)")
	fmt.Fprintln(os.Stderr, "  messages <email>                 Show the conversation with a friend")
	fmt.Fprintln(os.Stderr, "  send <email> <text>              Send a direct message")
	fmt.Fprintln(os.Stderr, "  read <id>                        Mark a message as read")
	fmt.Fprintln(os.Stderr, "  delete <id>                      Delete a message")
	fmt.Fprintln(os.Stderr, "  unread                           Show the unread message count")
	fmt.Fprintln(os.Stderr, "  watch <email>                    Follow a conversation")
	fmt.Fprintln(os.Stderr, "  groups                           List groups")
	fmt.Fprintln(os.Stderr, "  groups create <name> <email>...  Create a group")
	fmt.Fprintln(os.Stderr, "  groups show <id>                 Show group details")
	fmt.Fprintln(os.Stderr, "  groups members <id>              List group members")
	fmt.Fprintln(os.Stderr, "  groups add-member <id> <email>   Add a member")
	fmt.Fprintln(os.Stderr, "  groups messages <id>             Show group messages")
	fmt.Fprintln(os.Stderr, "  groups send <id> <text>          Send a group message")
	fmt.Fprintln(os.Stderr, "  groups watch <id>                Follow a group conversation")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "flags:")
	fmt.Fprint(os.Stderr, flagSet.FlagUsages())
}
