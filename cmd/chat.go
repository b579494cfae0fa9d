package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/livechat/internal/session"
	"github.com/livechat/pkg/models"
)

// ChatCommand returns the interactive chat command
func ChatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Start an interactive operator session",
		Flags: []cli.Flag{
			tokenFlag,
			&cli.StringFlag{
				Name:    "with",
				Aliases: []string{"w"},
				Usage:   "Open the conversation with user `ID` first",
			},
		},
		Action: runChat,
	}
}

func runChat(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	token, err := resolveToken(c, cfg)
	if err != nil {
		return err
	}
	client, err := newBackendClient(cfg)
	if err != nil {
		return err
	}
	dialer, err := newDialer(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	s, err := session.New(ctx, sessionOptions(cfg, client, dialer))
	if err != nil {
		return err
	}
	defer s.Close()

	if with := models.NormalizeCounterpartyID(c.String("with")); !with.IsZero() {
		if err := s.SelectCounterparty(ctx, with); err != nil {
			return err
		}
	}
	if err := s.SetToken(ctx, token); err != nil {
		return err
	}

	ui := &chatUI{out: c.App.Writer, session: s}
	fmt.Fprintln(ui.out, "Type a message and press enter. /help lists commands.")

	lines := make(chan string)
	go scanLines(os.Stdin, lines)

	for {
		select {
		case ev, ok := <-s.Updates():
			if !ok {
				return nil
			}
			ui.render(ctx, ev)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := ui.handle(ctx, line); quit {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func scanLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// chatSession is the part of a session the terminal UI drives
type chatSession interface {
	SelectCounterparty(ctx context.Context, id models.CounterpartyID) error
	Submit(ctx context.Context, text string) (models.Message, error)
	MarkRead(ctx context.Context, id string) (bool, error)
	Dismiss(ctx context.Context, id string) (bool, error)
	RefreshRoster(ctx context.Context) error
	Snapshot(ctx context.Context) (session.Snapshot, error)
}

type chatUI struct {
	out     io.Writer
	session chatSession
}

// command is a parsed slash command
type command struct {
	name string
	arg  string
}

// parseCommand splits "/name arg". Lines without a leading slash are
// messages and return ok=false.
func parseCommand(line string) (command, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{}, false
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	return command{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}, true
}

// handle runs one input line and reports whether the user asked to quit
func (ui *chatUI) handle(ctx context.Context, line string) bool {
	cmd, ok := parseCommand(line)
	if !ok {
		if strings.TrimSpace(line) == "" {
			return false
		}
		if _, err := ui.session.Submit(ctx, line); err != nil {
			ui.printf("! %v", err)
		}
		return false
	}

	switch cmd.name {
	case "quit", "exit", "q":
		return true
	case "help":
		ui.printf("Commands: /users, /select ID, /read ID, /dismiss ID, /notifications, /history, /status, /refresh, /quit")
	case "users":
		ui.printUsers(ctx)
	case "select":
		id := models.NormalizeCounterpartyID(cmd.arg)
		if id.IsZero() {
			ui.printf("! usage: /select ID")
			return false
		}
		if err := ui.session.SelectCounterparty(ctx, id); err != nil {
			ui.printf("! %v", err)
		}
	case "read", "dismiss":
		if cmd.arg == "" {
			ui.printf("! usage: /%s NOTIFICATION_ID", cmd.name)
			return false
		}
		op := ui.session.MarkRead
		if cmd.name == "dismiss" {
			op = ui.session.Dismiss
		}
		changed, err := op(ctx, cmd.arg)
		switch {
		case err != nil:
			ui.printf("! %v", err)
		case !changed:
			ui.printf("! no change for notification %s", cmd.arg)
		}
	case "notifications":
		ui.printNotifications(ctx)
	case "history":
		ui.printTimeline(ctx)
	case "status":
		ui.printStatus(ctx)
	case "refresh":
		if err := ui.session.RefreshRoster(ctx); err != nil {
			ui.printf("! %v", err)
		}
	default:
		ui.printf("! unknown command /%s", cmd.name)
	}
	return false
}

func (ui *chatUI) render(ctx context.Context, ev session.Event) {
	switch ev.Kind {
	case session.EventSelected:
		ui.printf("== conversation with %s", ev.Counterparty)
	case session.EventConnection:
		ui.printf("-- connection %s", ev.State)
	case session.EventHistory:
		if ev.Err != nil {
			ui.printf("! history unavailable: %v", ev.Err)
			return
		}
		ui.printTimeline(ctx)
	case session.EventTimeline:
		if ev.Message != nil {
			ui.printf("%s", formatMessage(*ev.Message))
		}
	case session.EventNotifications:
		if ev.Notification != nil {
			ui.printf("%s", formatNotification(*ev.Notification))
		}
	case session.EventRoster:
		if ev.Err != nil {
			ui.printf("! roster unavailable: %v", ev.Err)
		}
	case session.EventError:
		ui.printf("! %v", ev.Err)
	}
}

func (ui *chatUI) printUsers(ctx context.Context) {
	snap, err := ui.session.Snapshot(ctx)
	if err != nil {
		ui.printf("! %v", err)
		return
	}
	if len(snap.Roster) == 0 {
		ui.printf("No users")
		return
	}
	for _, u := range snap.Roster {
		marker := " "
		if u.ID == snap.Active.ID {
			marker = "*"
		}
		line := fmt.Sprintf("%s %-6s %s", marker, u.ID, u.DisplayName())
		if n := snap.Unread[u.ID]; n > 0 {
			line += fmt.Sprintf(" (%d unread)", n)
		}
		ui.printf("%s", line)
	}
}

func (ui *chatUI) printNotifications(ctx context.Context) {
	snap, err := ui.session.Snapshot(ctx)
	if err != nil {
		ui.printf("! %v", err)
		return
	}
	if len(snap.Notifications) == 0 {
		ui.printf("No notifications")
		return
	}
	for _, n := range snap.Notifications {
		ui.printf("%s", formatNotification(n))
	}
}

func (ui *chatUI) printTimeline(ctx context.Context) {
	snap, err := ui.session.Snapshot(ctx)
	if err != nil {
		ui.printf("! %v", err)
		return
	}
	for _, m := range snap.Messages {
		ui.printf("%s", formatMessage(m))
	}
}

func (ui *chatUI) printStatus(ctx context.Context) {
	snap, err := ui.session.Snapshot(ctx)
	if err != nil {
		ui.printf("! %v", err)
		return
	}
	active := "none"
	if !snap.Active.ID.IsZero() {
		active = snap.Active.DisplayName()
	}
	ui.printf("counterparty: %s", active)
	ui.printf("connection:   %s", snap.Connection)
	if snap.RetryScheduled {
		ui.printf("              reconnect scheduled")
	}
	ui.printf("history:      %s", snap.History)
	ui.printf("messages:     %d", len(snap.Messages))
	ui.printf("unread:       %s", formatUnread(snap.Unread))
	if snap.LastError != "" {
		ui.printf("last error:   %s", snap.LastError)
	}
}

func (ui *chatUI) printf(format string, args ...interface{}) {
	fmt.Fprintf(ui.out, format+"\n", args...)
}

func formatMessage(m models.Message) string {
	status := ""
	switch m.Status {
	case models.StatusPending:
		status = " (sending)"
	case models.StatusFailed:
		status = " (failed)"
	}
	arrow := "<"
	if m.IsOutgoing() {
		arrow = ">"
	}
	ts := "--:--:--"
	if !m.Timestamp.IsZero() {
		ts = m.Timestamp.Local().Format("15:04:05")
	}
	return fmt.Sprintf("[%s] %s %s: %s%s", ts, arrow, m.Sender, m.Body, status)
}

func formatNotification(n models.Notification) string {
	text := n.ContentPreview
	if text == "" {
		text = n.Message
	}
	title := n.Title
	if title == "" {
		title = "Message from " + n.Counterparty.String()
	}
	state := ""
	if n.Read {
		state = " (read)"
	}
	return fmt.Sprintf("** %s: %s [%s]%s", title, text, n.ID, state)
}

func formatUnread(counts models.UnreadCounts) string {
	if len(counts) == 0 {
		return "0"
	}
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s=%d", id, counts[models.CounterpartyID(id)]))
	}
	return strings.Join(parts, " ")
}
