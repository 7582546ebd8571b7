package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pterm/pterm"

	"lockstepd/internal/lockstep"
	"lockstepd/internal/net/proto"
	"lockstepd/internal/net/tcp"
	"lockstepd/internal/net/transport"
	"lockstepd/internal/net/ws"
	"lockstepd/internal/sim"
	"lockstepd/internal/telemetry"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7744", "host TCP address")
	wsURL := flag.String("ws", "", "host websocket URL; overrides -addr")
	name := flag.String("name", "Player", "name to join with")
	speed := flag.Uint("speed", 1000, "desired speed in thousandths of real time")
	dataDir := flag.String("data-dir", "", "directory for emergency saves")
	spawn := flag.Bool("spawn", true, "spawn a unit for our slot once the game launches")
	flag.Parse()

	// Create a new slog handler with the default PTerm logger
	handler := pterm.NewSlogHandler(&pterm.DefaultLogger)
	logger := slog.New(handler)

	if *speed > 0xFFFF {
		logger.Error(fmt.Sprintf("speed %d out of range", *speed))
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, src, err := dial(ctx, *addr, *wsURL)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}

	cfg := lockstep.DefaultClientConfig()
	cfg.Name = *name
	cfg.DesiredSpeed = uint16(*speed)
	cfg.DataDir = *dataDir

	var client *lockstep.Client
	hooks := lockstep.ClientHooks{
		OnWelcome: func(user uint32, joined string) {
			pterm.Success.Printfln("Joined as %s (user %d)", joined, user)
		},
		OnLaunch: func(start int32) {
			pterm.Info.Printfln("Game launched at %d", start)
			if *spawn {
				go spawnUnit(ctx, client, logger)
			}
		},
		OnSpeedChange: func(speed uint16, waiting bool) {
			if waiting {
				pterm.Warning.Println("Waiting for a lagging player")
				return
			}
			pterm.Info.Printfln("Speed %.2fx", float64(speed)/1000)
		},
		OnChat: func(msg proto.Chat) {
			pterm.Printfln("%s: %s", pterm.LightCyan(msg.Sender), msg.Text)
		},
		OnSystemMessage: func(msg proto.SystemMessage) {
			pterm.Info.Println(msg.Text())
		},
		OnDesync: func() {
			pterm.Error.Println("Desync detected")
		},
		OnDisconnect: func(msg proto.Disconnect) {
			pterm.Error.Printfln("Disconnected: %s", msg.Text())
		},
	}
	client = lockstep.NewClient(conn, sim.NewEngine(), cfg,
		lockstep.WithClientLogger(slogLogger(logger)),
		lockstep.WithClientHooks(hooks),
	)
	if err := client.Hello(); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}

	go readChat(ctx, os.Stdin, client, logger)

	if err := client.Run(ctx, src); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

func dial(ctx context.Context, addr, wsURL string) (*transport.Conn, io.Reader, error) {
	if wsURL != "" {
		return ws.Dial(ctx, wsURL)
	}
	return tcp.Dial(ctx, addr)
}

func slogLogger(logger *slog.Logger) telemetry.Logger {
	return telemetry.LoggerFunc(func(format string, args ...any) {
		logger.Info(fmt.Sprintf(format, args...))
	})
}

func spawnUnit(ctx context.Context, client *lockstep.Client, logger *slog.Logger) {
	err := client.Do(ctx, func(c *lockstep.Client) {
		if err := c.SubmitCommand(sim.SpawnUnit{Player: int(c.Position())}); err != nil {
			logger.Warn(err.Error())
		}
	})
	if err != nil {
		logger.Warn(err.Error())
	}
}

// readChat sends every stdin line as chat. "@name text" whispers.
func readChat(ctx context.Context, in io.Reader, client *lockstep.Client, logger *slog.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		err := client.Do(ctx, func(c *lockstep.Client) {
			if err := c.Chat(line); err != nil {
				logger.Warn(err.Error())
			}
		})
		if err != nil {
			return
		}
	}
}
