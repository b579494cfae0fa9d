package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/livechat/pkg/models"
)

// RosterCommand returns the CLI command that lists counterparties
func RosterCommand() *cli.Command {
	return &cli.Command{
		Name:   "roster",
		Usage:  "List the users an operator can chat with",
		Flags:  []cli.Flag{tokenFlag},
		Action: runRoster,
	}
}

// HistoryCommand returns the CLI command that prints a conversation
func HistoryCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Print the stored conversation with a user",
		ArgsUsage: "USER_ID",
		Flags:     []cli.Flag{tokenFlag},
		Action:    runHistory,
	}
}

func runRoster(c *cli.Context) error {
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

	roster, err := client.Roster(c.Context, token)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSERNAME\tEMAIL")
	for _, u := range roster {
		fmt.Fprintf(w, "%s\t%s\t%s\n", u.ID, u.Username, u.Email)
	}
	return w.Flush()
}

func runHistory(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one USER_ID argument")
	}
	id := models.NormalizeCounterpartyID(c.Args().First())
	if id.IsZero() {
		return fmt.Errorf("USER_ID is empty")
	}

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

	counterparty := models.Counterparty{ID: id}
	if roster, err := client.Roster(c.Context, token); err == nil {
		for _, u := range roster {
			if u.ID == id {
				counterparty = u
			}
		}
	}

	messages, err := client.History(c.Context, token, counterparty)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		fmt.Fprintf(c.App.Writer, "No messages with %s\n", counterparty.DisplayName())
		return nil
	}
	for _, m := range messages {
		fmt.Fprintln(c.App.Writer, formatMessage(m))
	}
	return nil
}
