package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/companyzero/bisonrelay/clientrpc/types"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/vctt94/bisonbotkit"
	"github.com/vctt94/bisonbotkit/logging"
	"github.com/vctt94/bisonbotkit/utils"
	"golang.org/x/sync/errgroup"

	"github.com/vctt94/wager-bisonrelay/server"
)

var (
	datadir = flag.String("datadir", utils.AppDataDir("wagerbot", false), "Directory to load config file from")
	f2p     = flag.Bool("f2p", false, "Run in free-to-play mode with an in-memory ledger")
)

func realMain() error {
	flag.Parse()

	cfg, err := LoadWagerBotConfig(*datadir, "wagerbot.conf")
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *f2p {
		cfg.IsF2P = true
	}

	useStdout := true
	logBackend, err := logging.NewLogBackend(logging.LogConfig{
		LogFile:        filepath.Join(*datadir, "logs", "wagerbot.log"),
		DebugLevel:     cfg.Debug,
		MaxLogFiles:    10,
		MaxBufferLines: 1000,
		UseStdout:      &useStdout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	log := logBackend.Logger("WagerBot")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pmChan := make(chan types.ReceivedPM)
	tipChan := make(chan types.ReceivedTip)
	tipProgressChan := make(chan types.TipProgressEvent)
	cfg.PMChan = pmChan
	cfg.TipReceivedChan = tipChan
	cfg.TipProgressChan = tipProgressChan

	bot, err := bisonbotkit.NewBot(cfg.BotConfig, logBackend)
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}

	minStake, err := dcrutil.NewAmount(cfg.MinStakeDCR)
	if err != nil {
		return fmt.Errorf("invalid minstake: %w", err)
	}
	srv, err := server.NewServer(&server.ServerConfig{
		ServerDir:     *datadir,
		Bot:           bot,
		LogBackend:    logBackend,
		IsF2P:         cfg.IsF2P,
		MinStakeAtoms: int64(minStake),
		SideChance:    cfg.SideChance,
		SessionWindow: time.Duration(cfg.WindowSecs) * time.Second,
		HouseID:       cfg.HouseID,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case pm := <-pmChan:
				srv.HandlePM(gctx, &pm)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case tip := <-tipChan:
				srv.HandleTip(gctx, &tip)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case progress := <-tipProgressChan:
				if err := bot.AckTipProgress(gctx, progress.SequenceId); err != nil {
					log.Warnf("failed to ack tip progress: %v", err)
				}
			}
		}
	})

	log.Infof("wagerbot running, data dir %s", *datadir)
	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		// Normal shutdown via signal.
		return nil
	}
	return err
}

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
