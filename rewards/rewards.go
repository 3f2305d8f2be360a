// Package rewards backfills staking payouts of watched validators from
// finalized blocks and summarises them.
package rewards

import (
	"context"
	"math/big"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/stakestar/tvpbot/chain"
	"github.com/stakestar/tvpbot/db"
	"github.com/stakestar/tvpbot/logger"
)

type Config struct {
	MaxBlocksPerSweep uint64 `yaml:"maxBlocksPerSweep" env:"REWARDS_MAX_BLOCKS_PER_SWEEP" env-default:"20000"`
	// Checkpoint is how often, in blocks, the watermark is persisted mid-sweep.
	Checkpoint uint64 `yaml:"checkpoint" env:"REWARDS_CHECKPOINT" env-default:"100"`
}

type FactsSource interface {
	BlockFacts(ctx context.Context, number uint64) (*chain.BlockFacts, error)
	FinalizedNumber(ctx context.Context) (uint64, error)
}

type Lister interface {
	ListRewards(stash string) ([]db.Reward, error)
}

type Store interface {
	Lister
	ListValidators() ([]db.Validator, error)
	GetLastRewardBlock() (uint64, error)
	AdvanceLastRewardBlock(block uint64) (bool, error)
	PutReward(reward db.Reward) error
}

type Sweeper struct {
	store   Store
	facts   FactsSource
	cfg     Config
	logger  *zap.Logger
	running atomic.Bool
	now     func() time.Time
}

func NewSweeper(store Store, facts FactsSource, cfg Config, l *zap.Logger) *Sweeper {
	if cfg.MaxBlocksPerSweep == 0 {
		cfg.MaxBlocksPerSweep = 20000
	}
	if cfg.Checkpoint == 0 {
		cfg.Checkpoint = 100
	}
	return &Sweeper{
		store:  store,
		facts:  facts,
		cfg:    cfg,
		logger: logger.Component(l, "rewards"),
		now:    time.Now,
	}
}

func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Sweep scans finalized blocks past the watermark for payouts. A call made
// while another sweep runs returns immediately.
func (s *Sweeper) Sweep(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("sweep already running")
		return
	}
	defer s.running.Store(false)

	if err := s.sweep(ctx); err != nil {
		s.logger.Warn("reward sweep stopped", zap.Error(err))
	}
}

func (s *Sweeper) sweep(ctx context.Context) error {
	finalized, err := s.facts.FinalizedNumber(ctx)
	if err != nil {
		return errors.Wrap(err, "could not read finalized block")
	}
	watermark, err := s.store.GetLastRewardBlock()
	if err != nil {
		return err
	}
	if watermark == 0 {
		// fresh database, history before now is not backfilled
		_, err := s.store.AdvanceLastRewardBlock(finalized)
		return err
	}
	if watermark >= finalized {
		return nil
	}

	validators, err := s.store.ListValidators()
	if err != nil {
		return err
	}
	watched := make(map[string]struct{}, len(validators))
	for _, v := range validators {
		watched[v.Stash] = struct{}{}
	}

	from := watermark + 1
	to := finalized
	if to-from+1 > s.cfg.MaxBlocksPerSweep {
		to = from + s.cfg.MaxBlocksPerSweep - 1
	}
	s.logger.Info("reward sweep started", zap.Uint64("from", from), zap.Uint64("to", to))

	found := 0
	for block := from; block <= to; block++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		facts, err := s.facts.BlockFacts(ctx, block)
		if err != nil {
			return errors.Wrapf(err, "could not read block %d", block)
		}
		// a batch payout can reward one stash several times in a block
		perStash := map[string]*big.Int{}
		for _, p := range facts.Payouts {
			if _, ok := watched[p.Stash]; !ok || p.Amount == nil {
				continue
			}
			if perStash[p.Stash] == nil {
				perStash[p.Stash] = new(big.Int)
			}
			perStash[p.Stash].Add(perStash[p.Stash], p.Amount)
		}
		for stash, amount := range perStash {
			reward := db.Reward{
				Stash:     stash,
				Block:     block,
				Timestamp: s.now().UnixMilli(),
				Amount:    amount.String(),
			}
			if err := s.store.PutReward(reward); err != nil {
				return err
			}
			found++
		}
		if block == to || (block-from+1)%s.cfg.Checkpoint == 0 {
			if _, err := s.store.AdvanceLastRewardBlock(block); err != nil {
				return err
			}
		}
	}
	s.logger.Info("reward sweep finished", zap.Uint64("to", to), zap.Int("rewards", found))
	return nil
}

type Summary struct {
	Stash  string
	Total  *big.Int
	Count  int
	Latest []db.Reward
}

// Summarize totals the recorded rewards of stash and returns up to latest
// of the newest entries, newest first.
func Summarize(store Lister, stash string, latest int) (*Summary, error) {
	records, err := store.ListRewards(stash)
	if err != nil {
		return nil, err
	}
	sum := &Summary{Stash: stash, Total: new(big.Int), Count: len(records)}
	for _, r := range records {
		amount, ok := new(big.Int).SetString(r.Amount, 10)
		if !ok {
			return nil, errors.Errorf("malformed reward amount %q at block %d", r.Amount, r.Block)
		}
		sum.Total.Add(sum.Total, amount)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Block > records[j].Block })
	if len(records) > latest {
		records = records[:latest]
	}
	sum.Latest = records
	return sum, nil
}
