package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/matheus3301/anomess/internal/store"
)

var errUsage = errors.New("invalid usage")

// CLI runs admin commands against an open store.
type CLI struct {
	DB   *store.DB
	Out  io.Writer
	JSON bool
}

// Run dispatches args[0] with the remaining args.
func (c *CLI) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "contacts":
		return c.contacts(ctx)
	case "add-contact":
		if len(rest) != 2 {
			return fmt.Errorf("%w: add-contact <address> <name>", errUsage)
		}
		if err := c.DB.AddContact(ctx, rest[0], rest[1]); err != nil {
			return err
		}
		return c.done("added %s", rest[0])
	case "rename":
		if len(rest) != 2 {
			return fmt.Errorf("%w: rename <address> <name>", errUsage)
		}
		contact, err := c.DB.GetContact(ctx, rest[0])
		if err != nil {
			return err
		}
		if contact == nil {
			return fmt.Errorf("no contact %s", rest[0])
		}
		if err := c.DB.UpdateContactName(ctx, rest[0], rest[1]); err != nil {
			return err
		}
		return c.done("renamed %s to %s", rest[0], rest[1])
	case "conversation":
		if len(rest) != 1 {
			return fmt.Errorf("%w: conversation <address>", errUsage)
		}
		msgs, err := c.DB.ConversationMessages(ctx, rest[0])
		if err != nil {
			return err
		}
		return c.messages(msgs)
	case "pending":
		msgs, err := c.DB.PendingMessages(ctx)
		if err != nil {
			return err
		}
		return c.messages(msgs)
	case "unread":
		if len(rest) != 1 {
			return fmt.Errorf("%w: unread <address>", errUsage)
		}
		n, err := c.DB.UnreadCount(ctx, rest[0])
		if err != nil {
			return err
		}
		if c.JSON {
			return c.outputJSON(map[string]int{"unread": n})
		}
		_, err = fmt.Fprintln(c.Out, n)
		return err
	case "read":
		if len(rest) != 1 {
			return fmt.Errorf("%w: read <address>", errUsage)
		}
		if err := c.DB.MarkMessagesAsRead(ctx, rest[0]); err != nil {
			return err
		}
		return c.done("marked %s read", rest[0])
	case "clear":
		if len(rest) != 1 {
			return fmt.Errorf("%w: clear <address>", errUsage)
		}
		if err := c.DB.ClearConversation(ctx, rest[0]); err != nil {
			return err
		}
		return c.done("cleared conversation with %s", rest[0])
	case "delete":
		if len(rest) == 0 {
			return fmt.Errorf("%w: delete <id>...", errUsage)
		}
		ids := make([]int64, 0, len(rest))
		for _, a := range rest {
			id, err := strconv.ParseInt(a, 10, 64)
			if err != nil {
				return fmt.Errorf("bad message id %q: %w", a, err)
			}
			ids = append(ids, id)
		}
		if err := c.DB.DeleteMessages(ctx, ids); err != nil {
			return err
		}
		return c.done("deleted %d message(s)", len(ids))
	case "stats":
		return c.stats(ctx)
	}
	return fmt.Errorf("%w: unknown command %s", errUsage, cmd)
}

func (c *CLI) contacts(ctx context.Context) error {
	contacts, err := c.DB.ListContacts(ctx)
	if err != nil {
		return err
	}
	if c.JSON {
		if contacts == nil {
			contacts = []store.Contact{}
		}
		return c.outputJSON(contacts)
	}
	if len(contacts) == 0 {
		_, err := fmt.Fprintln(c.Out, "No contacts.")
		return err
	}
	for _, ct := range contacts {
		key := "no key"
		if ct.PublicKey != nil {
			key = "key pinned"
		}
		if _, err := fmt.Fprintf(c.Out, "%-24s %s (%s)\n", ct.Name, ct.Address, key); err != nil {
			return err
		}
	}
	return nil
}

func (c *CLI) messages(msgs []store.Message) error {
	if c.JSON {
		if msgs == nil {
			msgs = []store.Message{}
		}
		return c.outputJSON(msgs)
	}
	if len(msgs) == 0 {
		_, err := fmt.Fprintln(c.Out, "No messages.")
		return err
	}
	for _, m := range msgs {
		dir := "<"
		if m.IsMine {
			dir = ">"
		}
		ts := time.UnixMilli(m.Timestamp).UTC().Format(time.RFC3339)
		if _, err := fmt.Fprintf(c.Out, "%6d %s %s %-9s %s: %s\n", m.ID, ts, dir, m.Status, m.Peer(), m.Content); err != nil {
			return err
		}
	}
	return nil
}

func (c *CLI) stats(ctx context.Context) error {
	contacts, err := c.DB.ContactCount(ctx)
	if err != nil {
		return err
	}
	messages, err := c.DB.MessageCount(ctx)
	if err != nil {
		return err
	}
	pending, err := c.DB.PendingMessages(ctx)
	if err != nil {
		return err
	}
	if c.JSON {
		return c.outputJSON(map[string]int64{
			"contacts": contacts,
			"messages": messages,
			"pending":  int64(len(pending)),
		})
	}
	_, err = fmt.Fprintf(c.Out, "Contacts: %d\nMessages: %d\nPending:  %d\n", contacts, messages, len(pending))
	return err
}

func (c *CLI) done(format string, args ...any) error {
	if c.JSON {
		return c.outputJSON(map[string]string{"result": fmt.Sprintf(format, args...)})
	}
	_, err := fmt.Fprintf(c.Out, format+"\n", args...)
	return err
}

func (c *CLI) outputJSON(v any) error {
	return writeJSON(c.Out, v)
}
