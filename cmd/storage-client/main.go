// Command storage-client sends bundles to and fetches them from storage
// agents.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/JaneliaSciComp/jacs-storage/internal/bundle"
	"github.com/JaneliaSciComp/jacs-storage/internal/client"
	"github.com/JaneliaSciComp/jacs-storage/internal/log"
	"github.com/JaneliaSciComp/jacs-storage/internal/protocol"
	"github.com/JaneliaSciComp/jacs-storage/internal/secretstore"
)

const version = "0.1.0"

// Exit codes
const (
	exitRemote  = 1
	exitFailure = 2
)

func main() {
	app := &cli.App{
		Name:    "storage-client",
		Usage:   "Transfer bundles to and from JACS storage agents",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "agent",
				Aliases: []string{"a"},
				Usage:   "Agent address (host:port)",
				Value:   "localhost:10000",
				EnvVars: []string{"JACS_STORAGE_AGENT"},
			},
			&cli.StringFlag{
				Name:    "token",
				Aliases: []string{"t"},
				Usage:   "Bearer token (defaults to the token saved by login)",
				EnvVars: []string{"JACS_STORAGE_TOKEN"},
			},
			&cli.DurationFlag{
				Name:  "dial-timeout",
				Usage: "Connection timeout",
				Value: 10 * time.Second,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Logging level (debug, info, warn, error)",
				Value:   "warn",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := zerolog.ParseLevel(c.String("log-level"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("invalid log level: %v", err), exitFailure)
			}
			log.SetLevel(level)
			log.UseConsole()
			return nil
		},
		Commands: []*cli.Command{
			pingCmd,
			getCmd,
			putCmd,
			proxyCmd,
			loginCmd,
			logoutCmd,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalCh
		cancel()
	}()

	if err := app.RunContext(ctx, os.Args); err != nil {
		var exitErr cli.ExitCoder
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(exitFailure)
		}
		os.Exit(exitErr.ExitCode())
	}
}

var formatFlag = &cli.StringFlag{
	Name:    "format",
	Aliases: []string{"f"},
	Usage:   "Storage format (SINGLE_DATA_FILE, ARCHIVE_DATA_FILE, DATA_DIRECTORY)",
	Value:   string(protocol.FormatSingleDataFile),
}

var pingCmd = &cli.Command{
	Name:  "ping",
	Usage: "Check that an agent answers",
	Action: func(c *cli.Context) error {
		msg, err := newClient(c, c.String("agent")).Ping(c.Context)
		if err != nil {
			return exitWith(err)
		}
		fmt.Fprintf(c.App.Writer, "%s is up (%s)\n", c.String("agent"), msg)
		return nil
	},
}

var getCmd = &cli.Command{
	Name:      "get",
	Usage:     "Retrieve a bundle into a local path",
	ArgsUsage: "<remote-location> <local-path>",
	Flags:     []cli.Flag{formatFlag},
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return cli.Exit("Usage: storage-client get <remote-location> <local-path>", exitFailure)
		}
		remote, local := c.Args().Get(0), c.Args().Get(1)
		format, err := parseFormat(c)
		if err != nil {
			return err
		}
		localPath, err := filepath.Abs(local)
		if err != nil {
			return cli.Exit(err.Error(), exitFailure)
		}
		writer, err := bundle.NewProvider("").Writer(format, localPath)
		if err != nil {
			return cli.Exit(err.Error(), exitFailure)
		}

		res, err := newClient(c, c.String("agent")).Download(c.Context, writer, localPath, format, remote)
		if err != nil {
			return exitWith(err)
		}
		fmt.Fprintf(c.App.Writer, "Retrieved %s (%d bytes, sha256 %s)\n", remote, res.Bytes, res.Checksum)
		return nil
	},
}

var putCmd = &cli.Command{
	Name:      "put",
	Usage:     "Persist a local bundle",
	ArgsUsage: "<local-path> <remote-location>",
	Flags:     []cli.Flag{formatFlag},
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return cli.Exit("Usage: storage-client put <local-path> <remote-location>", exitFailure)
		}
		local, remote := c.Args().Get(0), c.Args().Get(1)
		format, err := parseFormat(c)
		if err != nil {
			return err
		}
		localPath, err := filepath.Abs(local)
		if err != nil {
			return cli.Exit(err.Error(), exitFailure)
		}
		reader, err := bundle.NewProvider("").Reader(format, localPath)
		if err != nil {
			return cli.Exit(err.Error(), exitFailure)
		}

		res, err := newClient(c, c.String("agent")).Upload(c.Context, reader, localPath, format, remote)
		if err != nil {
			return exitWith(err)
		}
		fmt.Fprintf(c.App.Writer, "Persisted %s (%d bytes, sha256 %s)\n", remote, res.Bytes, res.Checksum)
		return nil
	},
}

var proxyCmd = &cli.Command{
	Name:      "proxy",
	Usage:     "Copy a bundle from one agent to another",
	ArgsUsage: "<source-location> [<target-location>]",
	Flags: []cli.Flag{
		formatFlag,
		&cli.StringFlag{Name: "from", Usage: "Source agent address", Required: true},
		&cli.StringFlag{Name: "to", Usage: "Target agent address", Required: true},
		&cli.IntFlag{Name: "chunks", Usage: "Chunks buffered between the two agents", Value: 16},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 || c.NArg() > 2 {
			return cli.Exit("Usage: storage-client proxy --from A --to B <source-location> [<target-location>]", exitFailure)
		}
		srcLocation := c.Args().Get(0)
		dstLocation := srcLocation
		if c.NArg() == 2 {
			dstLocation = c.Args().Get(1)
		}
		format, err := parseFormat(c)
		if err != nil {
			return err
		}

		src := client.Endpoint{Client: newClient(c, c.String("from")), Format: format, Location: srcLocation}
		dst := client.Endpoint{Client: newClient(c, c.String("to")), Format: format, Location: dstLocation}
		res, err := client.Proxy(c.Context, src, dst, c.Int("chunks"))
		if err != nil {
			return exitWith(err)
		}
		fmt.Fprintf(c.App.Writer, "Copied %s to %s (%d bytes, sha256 %s)\n", src, dst, res.Bytes, res.Checksum)
		return nil
	},
}

var loginCmd = &cli.Command{
	Name:  "login",
	Usage: "Save a token for an agent",
	Action: func(c *cli.Context) error {
		token := c.String("token")
		if token == "" {
			return cli.Exit("Usage: storage-client --agent <addr> --token <token> login", exitFailure)
		}
		addr := client.New(c.String("agent")).Addr()
		if err := secretstore.SaveToken(secretstore.Default, addr, token); err != nil {
			return cli.Exit(err.Error(), exitFailure)
		}
		fmt.Fprintf(c.App.Writer, "Token saved for %s\n", addr)
		return nil
	},
}

var logoutCmd = &cli.Command{
	Name:  "logout",
	Usage: "Forget the token saved for an agent",
	Action: func(c *cli.Context) error {
		addr := client.New(c.String("agent")).Addr()
		if err := secretstore.Default.Delete(secretstore.TokenName(addr)); err != nil {
			return cli.Exit(fmt.Sprintf("failed to delete token for %s: %v", addr, err), exitFailure)
		}
		fmt.Fprintf(c.App.Writer, "Token removed for %s\n", addr)
		return nil
	},
}

// newClient builds a client for addr. Without --token the token saved by
// login for that agent is used.
func newClient(c *cli.Context, addr string) *client.Client {
	token := c.String("token")
	if token == "" {
		normalized := client.New(addr).Addr()
		saved, err := secretstore.LoadToken(secretstore.Default, normalized)
		if err != nil {
			log.Debug().Err(err).Str("agent", normalized).Msg("No saved token")
		}
		token = saved
	}
	return client.New(addr, client.WithDialTimeout(c.Duration("dial-timeout")), client.WithToken(token))
}

func parseFormat(c *cli.Context) (protocol.Format, error) {
	format, err := protocol.ParseFormat(c.String("format"))
	if err != nil || format == protocol.FormatNone {
		return format, cli.Exit(fmt.Sprintf("invalid format %q", c.String("format")), exitFailure)
	}
	return format, nil
}

// exitWith maps agent ERROR responses and local failures to distinct exit
// codes.
func exitWith(err error) error {
	if errors.Is(err, client.ErrRemote) {
		return cli.Exit(fmt.Sprintf("Error: %v", err), exitRemote)
	}
	if errors.Is(err, context.Canceled) {
		return cli.Exit("Interrupted", exitFailure)
	}
	return cli.Exit(fmt.Sprintf("Error: %v", err), exitFailure)
}
