// netplay-demo runs a tiny deterministic "game" (per-player counters
// driven by synthetic inputs) between two peers, or spectates one. Start
// two of them pointed at each other:
//
//	LISTEN_ADDR=:7000 PEER_ADDR=127.0.0.1:7001 PLAYER_SLOT=0 netplay-demo
//	LISTEN_ADDR=:7001 PEER_ADDR=127.0.0.1:7000 PLAYER_SLOT=1 netplay-demo
package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/frameloop/netplay"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
)

type Config struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":7000"`
	PeerAddr   string `envconfig:"PEER_ADDR" required:"true"`
	PlayerSlot int    `envconfig:"PLAYER_SLOT" default:"0"`
	FrameDelay int    `envconfig:"FRAME_DELAY" default:"2"`
	Spectate   bool   `envconfig:"SPECTATE" default:"false"`
}

func loadConfig() (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("", config); err != nil {
		return nil, err
	}
	return config, nil
}

func configureLogger() *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

const (
	numPlayers = 2
	inputSize  = 1
	tickRate   = 16 * time.Millisecond
)

// demoGame is the simplest thing that exercises rollback: each player's
// input byte accumulates into a counter, and the whole state folds into a
// running hash so desyncs would be visible.
type demoGame struct {
	logger   *log.Logger
	frame    netplay.Frame
	counters [numPlayers]uint64
}

func (g *demoGame) SaveState(frame netplay.Frame) ([]byte, error) {
	blob := make([]byte, 8*numPlayers)
	for i, c := range g.counters {
		binary.BigEndian.PutUint64(blob[i*8:], c)
	}
	return blob, nil
}

func (g *demoGame) LoadState(frame netplay.Frame, state []byte) error {
	if len(state) != 8*numPlayers {
		return fmt.Errorf("bad state size %d", len(state))
	}
	for i := range g.counters {
		g.counters[i] = binary.BigEndian.Uint64(state[i*8:])
	}
	g.frame = frame
	return nil
}

func (g *demoGame) AdvanceFrame(inputs [][]byte, disconnected uint32) error {
	g.tick(inputs, disconnected)
	return nil
}

func (g *demoGame) tick(inputs [][]byte, disconnected uint32) {
	for i, in := range inputs {
		if disconnected&(1<<uint(i)) != 0 {
			continue
		}
		g.counters[i] += uint64(in[0])
	}
	g.frame++
}

func (g *demoGame) OnEvent(ev netplay.Event) {
	g.logger.Info().
		Str("event", ev.Type.String()).
		Int("player", int(ev.Player)).
		Msg("session event")
}

func runPlayer(config *Config, logger *log.Logger) error {
	conn, err := netplay.ListenUDP("udp4", config.ListenAddr, logger)
	if err != nil {
		return fmt.Errorf("could not listen: %w", err)
	}

	game := &demoGame{logger: logger}
	session, err := netplay.NewSession(netplay.Config{
		Conn:       conn,
		NumPlayers: numPlayers,
		InputSize:  inputSize,
		Logger:     logger,
	}, game)
	if err != nil {
		return fmt.Errorf("could not create session: %w", err)
	}
	defer session.Close()

	local, err := session.AddPlayer(netplay.Player{Kind: netplay.PlayerLocal, Slot: config.PlayerSlot})
	if err != nil {
		return fmt.Errorf("could not add local player: %w", err)
	}
	remote, err := session.AddPlayer(netplay.Player{
		Kind: netplay.PlayerRemote,
		Slot: 1 - config.PlayerSlot,
		Addr: config.PeerAddr,
	})
	if err != nil {
		return fmt.Errorf("could not add remote player: %w", err)
	}
	if err := session.SetFrameDelay(local, config.FrameDelay); err != nil {
		return fmt.Errorf("could not set frame delay: %w", err)
	}

	logger.Info().
		Str("listen", config.ListenAddr).
		Str("peer", config.PeerAddr).
		Int("slot", config.PlayerSlot).
		Msg("running")

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	ticker := time.NewTicker(tickRate)
	defer ticker.Stop()

	for {
		select {
		case sig := <-signalChan:
			logger.Info().Msgf("received %+v signal", sig)
			return nil
		case <-ticker.C:
		}

		if err := session.Idle(); err != nil {
			return fmt.Errorf("session failed: %w", err)
		}

		frame := session.CurrentFrame()
		input := []byte{byte(frame % 7)}
		if err := session.AddLocalInput(local, input); err != nil {
			if errors.Is(err, netplay.ErrPredictionThreshold) || errors.Is(err, netplay.ErrNotSynchronized) {
				continue
			}
			return fmt.Errorf("could not add input: %w", err)
		}

		inputs, disconnected, err := session.SynchronizeInputs()
		if err != nil {
			continue
		}
		game.tick(inputs, disconnected)
		if err := session.AdvanceFrame(); err != nil {
			return fmt.Errorf("could not advance frame: %w", err)
		}

		if frame > 0 && frame%600 == 0 {
			stats, _ := session.NetworkStats(remote)
			logger.Info().
				Int64("frame", int64(frame)).
				Uint64("c0", game.counters[0]).
				Uint64("c1", game.counters[1]).
				Dur("ping", stats.Ping).
				Msg("progress")
		}
	}
}

func runSpectator(config *Config, logger *log.Logger) error {
	conn, err := netplay.ListenUDP("udp4", config.ListenAddr, logger)
	if err != nil {
		return fmt.Errorf("could not listen: %w", err)
	}

	game := &demoGame{logger: logger}
	session, err := netplay.NewSpectatorSession(netplay.SpectatorConfig{
		Conn:       conn,
		HostAddr:   config.PeerAddr,
		NumPlayers: numPlayers,
		InputSize:  inputSize,
		Logger:     logger,
	}, game)
	if err != nil {
		return fmt.Errorf("could not create spectator session: %w", err)
	}
	defer session.Close()

	logger.Info().
		Str("listen", config.ListenAddr).
		Str("host", config.PeerAddr).
		Msg("spectating")

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	ticker := time.NewTicker(tickRate)
	defer ticker.Stop()

	for {
		select {
		case sig := <-signalChan:
			logger.Info().Msgf("received %+v signal", sig)
			return nil
		case <-ticker.C:
		}

		if err := session.Idle(); err != nil {
			return fmt.Errorf("session failed: %w", err)
		}

		// run extra ticks when the stream gets ahead of playback
		steps := 1 + session.FramesBehind()/10
		for i := 0; i < steps; i++ {
			inputs, disconnected, err := session.SynchronizeInputs()
			if err != nil {
				break
			}
			game.tick(inputs, disconnected)
			if err := session.AdvanceFrame(); err != nil {
				return fmt.Errorf("could not advance frame: %w", err)
			}
		}
	}
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger()

	if config.Spectate {
		return runSpectator(config, logger)
	}
	return runPlayer(config, logger)
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
