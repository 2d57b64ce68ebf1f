package main

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/JaneliaSciComp/jacs-storage/internal/dao"
	"github.com/JaneliaSciComp/jacs-storage/internal/sqlite"
)

// openLedger opens the ledger named by the flags or config file.
func openLedger(c *cli.Context) (*sql.DB, error) {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	if cfg.LedgerPath == "" {
		return nil, cli.Exit("no ledger configured", 1)
	}
	return sqlite.OpenLedger(c.Context, cfg.LedgerPath)
}

// withLedger runs fn against the ledger and closes it afterwards.
func withLedger(fn func(c *cli.Context, db *sql.DB) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		db, err := openLedger(c)
		if err != nil {
			return err
		}
		defer db.Close()
		return fn(c, db)
	}
}

func requireArg(c *cli.Context, name string) (string, error) {
	if c.NArg() != 1 {
		return "", cli.Exit(fmt.Sprintf("usage: %s %s", c.Command.HelpName, name), 1)
	}
	return c.Args().First(), nil
}

func showAllocation(c *cli.Context, db *sql.DB) error {
	location, err := requireArg(c, "<location>")
	if err != nil {
		return err
	}
	a, err := dao.NewAllocationDAO(db).Get(c.Context, location)
	if errors.Is(err, dao.ErrNotFound) {
		return cli.Exit(fmt.Sprintf("no allocation recorded for %s", location), 1)
	}
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "location: %s\n", a.Location)
	fmt.Fprintf(w, "format:   %s\n", a.Format)
	fmt.Fprintf(w, "size:     %d\n", a.Size)
	fmt.Fprintf(w, "checksum: %s\n", a.Checksum)
	fmt.Fprintf(w, "owner:    %s\n", a.Owner)
	fmt.Fprintf(w, "updated:  %s\n", a.UpdatedAt.Format(time.RFC3339))
	return nil
}

func showUsage(c *cli.Context, db *sql.DB) error {
	owner, err := requireArg(c, "<owner>")
	if err != nil {
		return err
	}
	total, err := dao.NewAllocationDAO(db).Usage(c.Context, owner)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s\t%d\n", owner, total)
	return nil
}

func showEvents(c *cli.Context, db *sql.DB) error {
	location, err := requireArg(c, "<location>")
	if err != nil {
		return err
	}
	events, err := dao.NewEventDAO(db).ForLocation(c.Context, location, c.Int("limit"))
	if err != nil {
		return err
	}
	for _, e := range events {
		line := fmt.Sprintf("%s\t%s\t%s\t%d\t%s", e.CreatedAt.Format(time.RFC3339), e.Op, e.Status, e.Bytes, e.ConnID)
		if e.Message != "" {
			line += "\t" + e.Message
		}
		fmt.Fprintln(c.App.Writer, line)
	}
	return nil
}

// forgetAllocation drops the ledger entry only. The stored bundle stays.
func forgetAllocation(c *cli.Context, db *sql.DB) error {
	location, err := requireArg(c, "<location>")
	if err != nil {
		return err
	}
	err = dao.NewAllocationDAO(db).Delete(c.Context, location)
	if errors.Is(err, dao.ErrNotFound) {
		return cli.Exit(fmt.Sprintf("no allocation recorded for %s", location), 1)
	}
	return err
}

func ledgerCommand() *cli.Command {
	return &cli.Command{
		Name:  "ledger",
		Usage: "Inspect the allocation ledger",
		Subcommands: []*cli.Command{
			{
				Name:      "show",
				Usage:     "Print the allocation recorded for a location",
				ArgsUsage: "<location>",
				Action:    withLedger(showAllocation),
			},
			{
				Name:      "usage",
				Usage:     "Print the total bytes allocated to an owner",
				ArgsUsage: "<owner>",
				Action:    withLedger(showUsage),
			},
			{
				Name:      "events",
				Usage:     "Print the transfers that touched a location, newest first",
				ArgsUsage: "<location>",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of events",
						Value: 20,
					},
				},
				Action: withLedger(showEvents),
			},
			{
				Name:      "forget",
				Usage:     "Remove the allocation entry of a location",
				ArgsUsage: "<location>",
				Action:    withLedger(forgetAllocation),
			},
		},
	}
}
