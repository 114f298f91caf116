// Package cli implements the interactive command-line interface for crss:
// a live status table and direct queries against the game servers.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/crss-project/crss/internal/config"
	"github.com/crss-project/crss/internal/connector"
	"github.com/crss-project/crss/internal/db"
	"github.com/crss-project/crss/internal/events"
	"github.com/crss-project/crss/internal/health"
)

const queryTimeout = 10 * time.Second

// History serves the per-server event history.
type History interface {
	Recent(serverID string, limit int) ([]db.HistoryEntry, error)
}

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	registry *connector.Registry

	history History
	health  *health.Manager

	in  io.Reader
	out io.Writer
}

// NewCLI creates a CLI reading commands from in and writing to out.
// history and healthMgr may be nil.
func NewCLI(
	cfg *config.Config,
	eventBus *events.EventBus,
	registry *connector.Registry,
	history History,
	healthMgr *health.Manager,
	in io.Reader,
	out io.Writer,
) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		registry: registry,
		history:  history,
		health:   healthMgr,
		in:       in,
		out:      out,
	}
}

// errQuit ends the command loop.
var errQuit = errors.New("quit")

// Start runs the interactive loop until ctx is cancelled, input ends or the
// user quits.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\ncrss CLI ready. Type 'help' for available commands.")
	fmt.Fprintln(c.out, "─────────────────────────────────────────────────────")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "crss> ")

		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(l)
		}

		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		if err := c.execute(ctx, cmd, args); err != nil {
			if errors.Is(err, errQuit) {
				return
			}
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
	}
}

// execute processes a single CLI command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "info":
		return c.cmdInfo(ctx, args)
	case "players":
		return c.cmdPlayers(ctx, args)
	case "player":
		return c.cmdPlayer(ctx, args)
	case "events":
		return c.cmdEvents(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down crss...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
		return errQuit
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(c.out, "║                       crss CLI Commands                      ║")
	fmt.Fprintln(c.out, "╠══════════════════════════════════════════════════════════════╣")
	fmt.Fprintln(c.out, "║  status               Show connection status of all servers  ║")
	fmt.Fprintln(c.out, "║  info <id>            Query a server's info block            ║")
	fmt.Fprintln(c.out, "║  players <id>         List online player ids                 ║")
	fmt.Fprintln(c.out, "║  player <id> <uuid>   Show one player                        ║")
	fmt.Fprintln(c.out, "║  events <id> [n]      Show recent connection events          ║")
	fmt.Fprintln(c.out, "║  quit                 Shutdown crss                          ║")
	fmt.Fprintln(c.out, "║  help                 Show this help message                 ║")
	fmt.Fprintln(c.out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(c.out)
}

// printStatus displays every status client in a formatted table.
func (c *CLI) printStatus() {
	polled := make(map[string]health.PollResult)
	if c.health != nil {
		for _, r := range c.health.Results() {
			polled[r.ServerID] = r
		}
	}

	fmt.Fprintln(c.out)

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"ID", "Address", "State", "Version", "Players", "Last Poll"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, cl := range c.registry.All() {
		players, lastPoll := "-", "-"
		if r, ok := polled[cl.ID()]; ok {
			lastPoll = r.At.Format("15:04:05")
			if r.Info != nil {
				players = fmt.Sprintf("%d/%d", r.Info.Players.Online, r.Info.Players.Max)
			}
		}

		tw.Append([]string{
			cl.ID(),
			cl.Address(),
			cl.State().String(),
			cl.Version(),
			players,
			lastPoll,
		})
	}

	tw.Render()
	fmt.Fprintln(c.out)
}

func (c *CLI) cmdInfo(ctx context.Context, args []string) error {
	client, err := c.clientArg(args, 1)
	if err != nil {
		return err
	}

	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	info, err := client.GetInfo(qctx)
	if err != nil {
		return fmt.Errorf("info query failed: %w", err)
	}

	fmt.Fprintf(c.out, "\n  Server:   %s\n", client.ID())
	fmt.Fprintf(c.out, "  Version:  %s\n", info.Version)
	fmt.Fprintf(c.out, "  Players:  %d/%d\n", info.Players.Online, info.Players.Max)
	fmt.Fprintf(c.out, "  Worlds:   %s\n\n", strings.Join(info.Worlds, ", "))
	return nil
}

func (c *CLI) cmdPlayers(ctx context.Context, args []string) error {
	client, err := c.clientArg(args, 1)
	if err != nil {
		return err
	}

	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	players, err := client.GetPlayers(qctx)
	if err != nil {
		return fmt.Errorf("players query failed: %w", err)
	}

	if len(players) == 0 {
		fmt.Fprintln(c.out, "No players online")
		return nil
	}
	for _, p := range players {
		fmt.Fprintf(c.out, "  - %s\n", p)
	}
	return nil
}

func (c *CLI) cmdPlayer(ctx context.Context, args []string) error {
	client, err := c.clientArg(args, 2)
	if err != nil {
		return err
	}

	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	p, err := client.GetPlayer(qctx, args[1])
	if err != nil {
		return fmt.Errorf("player query failed: %w", err)
	}

	fmt.Fprintf(c.out, "\n  UUID:      %s\n", p.UUID)
	fmt.Fprintf(c.out, "  Name:      %s\n", p.Name)
	fmt.Fprintf(c.out, "  Position:  %.1f, %.1f, %.1f (%s)\n\n",
		p.Position.X, p.Position.Y, p.Position.Z, p.Position.World)
	return nil
}

func (c *CLI) cmdEvents(args []string) error {
	if c.history == nil {
		return fmt.Errorf("event history is disabled")
	}
	if len(args) < 1 {
		return fmt.Errorf("server id required")
	}
	if _, ok := c.cfg.LookupServer(args[0]); !ok {
		return fmt.Errorf("unknown server: %s", args[0])
	}

	limit := 20
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[1])
		}
		limit = n
	}

	entries, err := c.history.Recent(args[0], limit)
	if err != nil {
		return err
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Time", "Event", "Reason", "Detail"})
	tw.SetAutoWrapText(false)
	for _, e := range entries {
		tw.Append([]string{e.At.Format(time.DateTime), e.Type, e.Reason, e.Detail})
	}
	tw.Render()
	return nil
}

// clientArg resolves args[0] to a configured server's status client and
// checks that at least want arguments were given.
func (c *CLI) clientArg(args []string, want int) (*connector.ServerClient, error) {
	if len(args) < want {
		if want == 2 {
			return nil, fmt.Errorf("server id and player uuid required")
		}
		return nil, fmt.Errorf("server id required")
	}
	entry, ok := c.cfg.LookupServer(args[0])
	if !ok {
		return nil, fmt.Errorf("unknown server: %s", args[0])
	}
	return c.registry.Get(entry.ID, entry.Address), nil
}
