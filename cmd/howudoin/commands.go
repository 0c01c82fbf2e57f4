package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/matheus3301/howudoin/internal/account"
	"github.com/matheus3301/howudoin/internal/apierr"
	"github.com/matheus3301/howudoin/internal/app"
	"github.com/matheus3301/howudoin/internal/bus"
	"github.com/matheus3301/howudoin/internal/direct"
	"github.com/matheus3301/howudoin/internal/groups"
	"github.com/matheus3301/howudoin/internal/model"
	"github.com/matheus3301/howudoin/internal/poll"
	"go.uber.org/zap"
)

type cli struct {
	c       *app.Client
	in      *bufio.Reader
	out     io.Writer
	jsonOut bool
}

func newCLI(c *app.Client, in io.Reader, out io.Writer, jsonOut bool) *cli {
	return &cli{c: c, in: bufio.NewReader(in), out: out, jsonOut: jsonOut}
}

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errUsage}, args...)...)
}

func (x *cli) dispatch(ctx context.Context, args []string) error {
	switch args[0] {
	case "login":
		if len(args) != 2 {
			return usageError("howudoin login <email>")
		}
		return x.cmdLogin(ctx, args[1])
	case "register":
		return x.cmdRegister(ctx)
	case "logout":
		if err := x.c.Account.Logout(ctx); err != nil {
			return err
		}
		fmt.Fprintln(x.out, "Signed out.")
		return nil
	case "whoami":
		return x.cmdWhoami()
	case "friends":
		return x.cmdFriends(ctx, args[1:])
	case "messages":
		if len(args) != 2 {
			return usageError("howudoin messages <email>")
		}
		msgs, err := x.c.Direct.Fetch(ctx, args[1])
		if err != nil {
			return err
		}
		return x.printMessages(msgs)
	case "send":
		if len(args) < 3 {
			return usageError("howudoin send <email> <text>")
		}
		sent, err := x.c.Direct.Send(ctx, args[1], strings.Join(args[2:], " "))
		if err != nil {
			return err
		}
		return x.printResult(sent, "Message sent.")
	case "read":
		if len(args) != 2 {
			return usageError("howudoin read <id>")
		}
		if err := x.c.Direct.MarkRead(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintln(x.out, "Marked as read.")
		return nil
	case "delete":
		if len(args) != 2 {
			return usageError("howudoin delete <id>")
		}
		if err := x.c.Direct.Delete(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintln(x.out, "Message deleted.")
		return nil
	case "unread":
		n, err := x.c.Direct.UnreadCount(ctx)
		if err != nil {
			return err
		}
		return x.printResult(map[string]int{"unread": n}, fmt.Sprintf("%d unread", n))
	case "watch":
		if len(args) != 2 {
			return usageError("howudoin watch <email>")
		}
		return x.watch(ctx, x.c.Direct, args[1], bus.DirectSnapshot, func(ctx context.Context, key string) error {
			_, err := x.c.Direct.Fetch(ctx, key)
			return err
		})
	case "groups":
		return x.cmdGroups(ctx, args[1:])
	default:
		return usageError("unknown command: %s", args[0])
	}
}

func (x *cli) cmdLogin(ctx context.Context, email string) error {
	password, err := promptPassword(x.out, "Password: ")
	if err != nil {
		return err
	}
	me, err := x.c.Account.Login(ctx, email, password)
	if err != nil {
		return err
	}
	return x.printResult(me, "Signed in as "+me.DisplayName()+".")
}

func (x *cli) cmdRegister(ctx context.Context) error {
	var form account.RegisterForm
	var err error
	if form.FirstName, err = promptLine(x.in, x.out, "First name: "); err != nil {
		return err
	}
	if form.LastName, err = promptLine(x.in, x.out, "Last name: "); err != nil {
		return err
	}
	if form.Email, err = promptLine(x.in, x.out, "Email: "); err != nil {
		return err
	}
	if form.Password, err = promptPassword(x.out, "Password: "); err != nil {
		return err
	}
	if form.ConfirmPassword, err = promptPassword(x.out, "Confirm password: "); err != nil {
		return err
	}
	if err := x.c.Account.Register(ctx, form); err != nil {
		return err
	}
	fmt.Fprintln(x.out, "Registration successful. Sign in with: howudoin login "+form.Email)
	return nil
}

func (x *cli) cmdWhoami() error {
	s := x.c.Sessions.Current()
	if !s.Authenticated() {
		return x.printResult(map[string]any{"authenticated": false}, "Not signed in.")
	}
	return x.printResult(map[string]any{"authenticated": true, "identity": s.Identity}, s.Identity)
}

func (x *cli) cmdFriends(ctx context.Context, args []string) error {
	if len(args) == 0 {
		if err := x.c.Friends.Refresh(ctx); err != nil {
			return err
		}
		snap, _ := x.c.Friends.Snapshot()
		if x.jsonOut {
			return x.outputJSON(snap)
		}
		if len(snap.Friends) == 0 {
			fmt.Fprintln(x.out, "No friends yet.")
		}
		for _, f := range snap.Friends {
			fmt.Fprintf(x.out, "%-30s %s\n", f.Email, f.DisplayName())
		}
		if len(snap.Pending) > 0 {
			fmt.Fprintln(x.out, "\nPending requests:")
			for _, r := range snap.Pending {
				fmt.Fprintf(x.out, "  %s (%s)\n", r.SenderID, r.CreatedAt.Format("2006-01-02 15:04"))
			}
		}
		return nil
	}
	if len(args) != 2 {
		return usageError("howudoin friends <add|accept|decline> <email>")
	}
	switch args[0] {
	case "add":
		msg, err := x.c.Friends.SendRequest(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(x.out, orDefault(msg, "Friend request sent successfully"))
	case "accept":
		msg, err := x.c.Friends.AcceptRequest(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(x.out, orDefault(msg, "Friend request accepted"))
	case "decline":
		if err := x.c.Friends.DeclineRequest(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintln(x.out, "Decline is not supported by the service; the request stays pending.")
	default:
		return usageError("unknown friends subcommand: %s", args[0])
	}
	return nil
}

func (x *cli) cmdGroups(ctx context.Context, args []string) error {
	if len(args) == 0 {
		list, err := x.c.Groups.ListGroups(ctx)
		if err != nil {
			return err
		}
		if x.jsonOut {
			return x.outputJSON(list)
		}
		if len(list) == 0 {
			fmt.Fprintln(x.out, "No groups yet.")
		}
		for _, g := range list {
			fmt.Fprintf(x.out, "%-38s %s\n", g.ID, g)
		}
		return nil
	}

	need := func(n int, usage string) error {
		if len(args) < n {
			return usageError("howudoin groups %s", usage)
		}
		return nil
	}
	switch args[0] {
	case "create":
		if err := need(2, "create <name> <email>..."); err != nil {
			return err
		}
		g, err := x.c.Groups.CreateGroup(ctx, args[1], args[2:])
		if err != nil {
			return err
		}
		return x.printResult(g, "Group created: "+g.ID)
	case "show":
		if err := need(2, "show <id>"); err != nil {
			return err
		}
		g, err := x.c.Groups.GroupDetails(ctx, args[1])
		if err != nil {
			return err
		}
		return x.printResult(g, fmt.Sprintf("%s\ncreated by %s\nmembers: %s", g, g.CreatorID, strings.Join(g.Members, ", ")))
	case "members":
		if err := need(2, "members <id>"); err != nil {
			return err
		}
		members, err := x.c.Groups.Members(ctx, args[1])
		if err != nil {
			return err
		}
		return x.printResult(members, strings.Join(members, "\n"))
	case "add-member":
		if err := need(3, "add-member <id> <email>"); err != nil {
			return err
		}
		if err := x.c.Groups.AddMember(ctx, args[1], args[2]); err != nil {
			return err
		}
		fmt.Fprintln(x.out, "Member added.")
		return nil
	case "messages":
		if err := need(2, "messages <id>"); err != nil {
			return err
		}
		msgs, err := x.c.Groups.FetchMessages(ctx, args[1])
		if err != nil {
			return err
		}
		return x.printMessages(msgs)
	case "send":
		if err := need(3, "send <id> <text>"); err != nil {
			return err
		}
		sent, err := x.c.Groups.SendMessage(ctx, args[1], strings.Join(args[2:], " "))
		if err != nil {
			return err
		}
		return x.printResult(sent, "Message sent.")
	case "watch":
		if err := need(2, "watch <id>"); err != nil {
			return err
		}
		return x.watch(ctx, x.c.Groups, args[1], bus.GroupsSnapshot, func(ctx context.Context, key string) error {
			_, err := x.c.Groups.FetchMessages(ctx, key)
			return err
		})
	default:
		return usageError("unknown groups subcommand: %s", args[0])
	}
}

// watch follows a conversation until ctx is done. Messages are printed
// oldest first as they first appear in a snapshot.
func (x *cli) watch(ctx context.Context, view poll.View, key, kind string, fetch func(context.Context, string) error) error {
	events, unsub := x.c.Bus.Subscribe(kind, 16)
	defer unsub()
	ended, unsubSession := x.c.Bus.Subscribe(bus.SessionInvalidated, 1)
	defer unsubSession()

	stop, err := x.c.Poller.Watch(ctx, view, key, fetch, 0)
	defer stop()
	switch {
	case errors.Is(err, apierr.ErrUnauthenticated), errors.Is(err, apierr.ErrUnauthorized):
		return err
	case err != nil:
		// The schedule keeps retrying; report and carry on.
		fmt.Fprintf(x.out, "warning: %s\n", apierr.UserMessage(err))
	}

	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ended:
			return apierr.ErrUnauthorized
		case ev := <-events:
			var msgs []model.Message
			switch u := ev.Payload.(type) {
			case direct.Update:
				if u.Peer != key {
					continue
				}
				msgs = u.Messages
			case groups.Update:
				if u.GroupID != key {
					continue
				}
				msgs = u.Messages
			}
			var fresh []model.Message
			for i := len(msgs) - 1; i >= 0; i-- {
				if !seen[msgs[i].ID] {
					seen[msgs[i].ID] = true
					fresh = append(fresh, msgs[i])
				}
			}
			if len(fresh) == 0 {
				continue
			}
			x.c.Logger.Debug("new messages", zap.String("key", key), zap.Int("count", len(fresh)))
			if err := x.printMessages(fresh); err != nil {
				return err
			}
		}
	}
}

func (x *cli) printMessages(msgs []model.Message) error {
	if x.jsonOut {
		return x.outputJSON(msgs)
	}
	if len(msgs) == 0 {
		fmt.Fprintln(x.out, "No messages yet.")
		return nil
	}
	for _, m := range msgs {
		fmt.Fprintf(x.out, "[%s] %-6s %s: %s  (#%s)\n",
			m.Timestamp.Format("2006-01-02 15:04"), m.Status(), m.SenderID, m.Content, m.ID)
	}
	return nil
}

func (x *cli) printResult(v any, text string) error {
	if x.jsonOut {
		return x.outputJSON(v)
	}
	fmt.Fprintln(x.out, text)
	return nil
}

func (x *cli) outputJSON(v any) error {
	enc := json.NewEncoder(x.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
