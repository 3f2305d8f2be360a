package start

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stakestar/tvpbot/api"
	"github.com/stakestar/tvpbot/bot"
	"github.com/stakestar/tvpbot/candidate"
	"github.com/stakestar/tvpbot/chain"
	"github.com/stakestar/tvpbot/cli/args"
	"github.com/stakestar/tvpbot/db"
	"github.com/stakestar/tvpbot/logger"
	"github.com/stakestar/tvpbot/monitor"
	"github.com/stakestar/tvpbot/network"
	"github.com/stakestar/tvpbot/notify"
	"github.com/stakestar/tvpbot/rewards"
	"github.com/stakestar/tvpbot/subscription"
	"github.com/stakestar/tvpbot/telegram"
)

type config struct {
	DbPath               string               `yaml:"dbPath" env:"DB_PATH" env-description:"Path to database file, defaults to data/<network>.db"`
	LogEncoding          string               `yaml:"logEncoding" env:"LOG_ENCODING" env-default:"console" env-description:"console or json"`
	MaxValidatorsPerChat int                  `yaml:"maxValidatorsPerChat" env:"MAX_VALIDATORS_PER_CHAT" env-default:"20"`
	Notifications        map[string]bool      `yaml:"notifications" env-description:"Per-rule switches for validator change notifications"`
	Chain                chain.Config         `yaml:"chain"`
	Candidates           candidate.Config     `yaml:"candidates"`
	Poller               monitor.PollerConfig `yaml:"poller"`
	Rewards              rewards.Config       `yaml:"rewards"`
	Bot                  bot.Config           `yaml:"bot"`
	Telegram             telegram.Config      `yaml:"telegram"`
	Api                  api.Config           `yaml:"api"`
}

var globalArgs args.GlobalArgs

// StartCmd runs the bot until interrupted.
var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the notification bot",
	Run: func(cmd *cobra.Command, _ []string) {
		cfg, net, err := loadConfig(globalArgs)
		if err != nil {
			log.Fatal("Error reading config: ", err)
		}

		logger, err := logger.Create(globalArgs.LogLevel, cfg.LogEncoding)
		if err != nil {
			log.Fatal("Error initializing logger: ", err)
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := run(ctx, cfg, net, logger); err != nil {
			logger.Fatal("Bot stopped with error", zap.Error(err))
		}
	},
}

func init() {
	args.ProcessArgs(&globalArgs, StartCmd)
}

// loadConfig reads .env, then the YAML file (or the environment alone) and
// fills network dependent defaults.
func loadConfig(a args.GlobalArgs) (config, network.Network, error) {
	var cfg config
	net, err := network.Lookup(a.Network)
	if err != nil {
		return cfg, net, err
	}

	// a missing .env is normal outside development
	_ = godotenv.Load()

	if a.ConfigPath != "" {
		err = cleanenv.ReadConfig(a.ConfigPath, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return cfg, net, err
	}

	if cfg.Telegram.Token == "" {
		return cfg, net, errors.New("telegram token is required")
	}
	if cfg.DbPath == "" {
		cfg.DbPath = fmt.Sprintf("data/%s.db", net.Name)
	}
	if cfg.Chain.RPCUrl == "" {
		cfg.Chain.RPCUrl = net.RPCUrl
	}
	if cfg.Candidates.BaseURL == "" {
		cfg.Candidates.BaseURL = net.CandidatesURL
	}
	if cfg.MaxValidatorsPerChat <= 0 {
		cfg.MaxValidatorsPerChat = subscription.DefaultMaxValidatorsPerChat
	}
	if cfg.LogEncoding == "" {
		cfg.LogEncoding = "console"
	}
	if cfg.LogEncoding != "console" && cfg.LogEncoding != "json" {
		return cfg, net, errors.Errorf("unknown log encoding %q", cfg.LogEncoding)
	}
	return cfg, net, nil
}

func run(ctx context.Context, cfg config, net network.Network, logger *zap.Logger) error {
	logger.Info("Starting bot", zap.String("network", net.Name), zap.String("db", cfg.DbPath))

	boltDb, err := db.NewBoltDB(cfg.DbPath)
	if err != nil {
		return errors.Wrap(err, "error opening database")
	}
	defer boltDb.Close()

	node, err := chain.Dial(cfg.Chain.RPCUrl, net.SS58Prefix, logger)
	if err != nil {
		return errors.Wrap(err, "error connecting to node")
	}
	defer node.Close()

	tg, err := telegram.New(cfg.Telegram, logger)
	if err != nil {
		return err
	}

	candidates := candidate.NewClient(cfg.Candidates.BaseURL, cfg.Candidates.Timeout)
	fetcher := monitor.NewFetcher(candidates, node)
	scheduler := notify.NewScheduler(boltDb, tg, net, logger)
	policies := monitor.DefaultPolicies().With(cfg.Notifications)
	differ := monitor.NewDiffer(boltDb, fetcher, node, scheduler, tg, policies, net, logger)
	poller := monitor.NewPoller(boltDb, differ, cfg.Poller, logger)
	sweeper := rewards.NewSweeper(boltDb, node, cfg.Rewards, logger)
	relay := monitor.NewRelay(boltDb, node, scheduler, sweeper, tg, net, logger)
	subs := subscription.New(boltDb, fetcher, scheduler, net, cfg.MaxValidatorsPerChat, logger)

	tg.OnBlocked(func(chatID int64) {
		logger.Info("Chat blocked the bot, forgetting it", zap.Int64("chat", chatID))
		if err := subs.Forget(chatID); err != nil {
			logger.Error("Error forgetting chat", zap.Int64("chat", chatID), zap.Error(err))
		}
	})

	if cfg.Bot.Name == "" {
		cfg.Bot.Name = tg.Username()
	}
	dispatcher := bot.NewDispatcher(boltDb, subs, node, boltDb, tg, net, cfg.Bot, logger)

	lastEra, err := boltDb.GetLastEra()
	if err != nil {
		return errors.Wrap(err, "error reading last era")
	}
	observer := chain.NewObserver(node, cfg.Chain, uint32(lastEra), logger)

	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()
	if err := poller.Start(ctx); err != nil {
		return err
	}
	defer poller.Stop()

	go observer.Run(ctx)
	go relay.Run(ctx, observer.Events())
	go sweeper.Sweep(ctx)
	go func() {
		if err := api.New(logger, boltDb, net, cfg.Api).Start(ctx); err != nil {
			logger.Error("Api server stopped", zap.Error(err))
		}
	}()

	tg.Poll(ctx, boltDb, dispatcher)

	logger.Info("Shutting down")
	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-waitCtx.Done():
		logger.Warn("Gave up waiting for staking lookups")
	}
	return nil
}
