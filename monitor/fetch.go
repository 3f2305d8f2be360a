package monitor

import (
	"context"
	"math/big"
	"time"

	"github.com/pkg/errors"

	"github.com/stakestar/tvpbot/candidate"
	"github.com/stakestar/tvpbot/db"
)

type CandidateSource interface {
	Get(ctx context.Context, stash string) (*candidate.Candidate, error)
}

// ChainReader is the subset of chain.Client the monitor reads.
type ChainReader interface {
	IsActive(ctx context.Context, stash string) (bool, error)
	Commission(ctx context.Context, stash string) (string, error)
	SessionKeys(ctx context.Context, stash string) (string, error)
	Controller(ctx context.Context, stash string) (string, error)
	ActiveEra(ctx context.Context) (uint32, error)
	EraTotalStake(ctx context.Context, era uint32) (*big.Int, error)
}

// Fetcher merges the scoring API view of a stash with its on-chain attributes.
type Fetcher struct {
	candidates CandidateSource
	chain      ChainReader
}

func NewFetcher(candidates CandidateSource, chain ChainReader) *Fetcher {
	return &Fetcher{candidates: candidates, chain: chain}
}

// Fetch returns the current snapshot of stash without subscribers.
// candidate.ErrNotCandidate is passed through unwrapped.
func (f *Fetcher) Fetch(ctx context.Context, stash string) (*db.Validator, error) {
	c, err := f.candidates.Get(ctx, stash)
	if err != nil {
		return nil, err
	}
	active, err := f.chain.IsActive(ctx, stash)
	if err != nil {
		return nil, errors.Wrap(err, "could not read active set")
	}
	commission, err := f.chain.Commission(ctx, stash)
	if err != nil {
		return nil, errors.Wrap(err, "could not read commission")
	}
	keys, err := f.chain.SessionKeys(ctx, stash)
	if err != nil {
		return nil, errors.Wrap(err, "could not read session keys")
	}
	controller, err := f.chain.Controller(ctx, stash)
	if err != nil {
		return nil, errors.Wrap(err, "could not read controller")
	}
	return &db.Validator{
		Stash:              stash,
		Name:               c.Name,
		Rank:               c.Rank,
		Controller:         controller,
		SessionKeys:        keys,
		Commission:         commission,
		Valid:              c.IsValid(),
		Validity:           c.ValidityItems(),
		OnlineSince:        c.OnlineSince,
		OfflineSince:       c.OfflineSince,
		OfflineAccumulated: c.OfflineAccumulated,
		Faults:             c.Faults,
		Active:             active,
		Version:            c.Version,
		Location:           c.Location,
		DiscoveredAt:       c.DiscoveredAt,
		NominatedAt:        c.NominatedAt,
		UpdatedAt:          time.Now(),
	}, nil
}
