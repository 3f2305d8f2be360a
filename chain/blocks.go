package chain

import (
	"context"
	"math/big"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// FinalizedHeads subscribes to finalized headers. Both channels are
// abandoned when ctx is done; errs reports a broken subscription.
func (c *Client) FinalizedHeads(ctx context.Context) (<-chan Head, <-chan error, error) {
	sub, err := c.api.RPC.Chain.SubscribeFinalizedHeads()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to subscribe to finalized heads")
	}

	heads := make(chan Head, 16)
	errs := make(chan error, 1)

	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				errs <- err
				return
			case header := <-sub.Chan():
				number := uint64(header.Number)
				hash, err := c.api.RPC.Chain.GetBlockHash(number)
				if err != nil {
					errs <- errors.Wrapf(err, "failed to get hash of block %d", number)
					return
				}
				author, err := c.authorAt(&header, hash)
				if err != nil {
					c.logger.Debug("could not resolve block author", zap.Uint64("block", number), zap.Error(err))
				}
				select {
				case heads <- Head{Number: number, Hash: hash.Hex(), Author: author}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return heads, errs, nil
}

// BlockFacts loads block number and extracts authorship, successful
// nominate/chill extrinsics, the offline report and reward payouts.
func (c *Client) BlockFacts(ctx context.Context, number uint64) (*BlockFacts, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash, err := c.api.RPC.Chain.GetBlockHash(number)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get hash of block %d", number)
	}
	block, err := c.api.RPC.Chain.GetBlock(hash)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get block %d", number)
	}

	facts := &BlockFacts{Number: number, Hash: hash.Hex()}
	if author, err := c.authorAt(&block.Block.Header, hash); err == nil {
		facts.Author = author
	}

	meta := c.metadata()
	eventsKey, err := c.storageKey("System", "Events")
	if err != nil {
		return nil, err
	}
	raw, err := c.api.RPC.State.GetStorageRaw(eventsKey, hash)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get events of block %d", number)
	}
	var events types.EventRecords
	if err := types.EventRecordsRaw(*raw).DecodeEventRecords(meta, &events); err != nil {
		// unknown runtime events make the whole record set undecodable; keep authorship only
		c.logger.Debug("could not decode events", zap.Uint64("block", number), zap.Error(err))
		return facts, nil
	}

	succeeded := map[uint32]bool{}
	for _, e := range events.System_ExtrinsicSuccess {
		if e.Phase.IsApplyExtrinsic {
			succeeded[e.Phase.AsApplyExtrinsic] = true
		}
	}

	if len(events.ImOnline_SomeOffline) > 0 {
		offline := &Offline{}
		for _, tuple := range events.ImOnline_SomeOffline[0].IdentificationTuples {
			offline.Offenders = append(offline.Offenders, c.encode(tuple.ValidatorID[:]))
		}
		facts.Offline = offline
	}

	for _, e := range events.Staking_Rewarded {
		amount := big.NewInt(0)
		if e.Amount.Int != nil {
			amount = new(big.Int).Set(e.Amount.Int)
		}
		facts.Payouts = append(facts.Payouts, Payout{Stash: c.encode(e.Stash[:]), Amount: amount})
	}

	nominateIdx, nominateErr := meta.FindCallIndex("Staking.nominate")
	chillIdx, chillErr := meta.FindCallIndex("Staking.chill")

	for i, ext := range block.Block.Extrinsics {
		if !ext.IsSigned() || !succeeded[uint32(i)] {
			continue
		}
		signer := ext.Signature.Signer
		if !signer.IsID {
			continue
		}
		signerPub := signer.AsID[:]

		switch {
		case nominateErr == nil && ext.Method.CallIndex == nominateIdx:
			nomination, err := c.nomination(ctx, signerPub, ext.Method.Args, i)
			if err != nil {
				c.logger.Debug("could not decode nomination", zap.Uint64("block", number), zap.Int("extrinsic", i), zap.Error(err))
				continue
			}
			facts.Nominations = append(facts.Nominations, *nomination)
		case chillErr == nil && ext.Method.CallIndex == chillIdx:
			facts.Chills = append(facts.Chills, Chill{Controller: c.encode(signerPub), ExtrinsicIndex: i})
		}
	}

	return facts, nil
}

func (c *Client) nomination(ctx context.Context, signer []byte, args types.Args, index int) (*Nomination, error) {
	targets, err := decodeNominateTargets(args)
	if err != nil {
		return nil, err
	}
	nomination := &Nomination{
		Nominator:      c.encode(signer),
		Amount:         big.NewInt(0),
		ExtrinsicIndex: index,
	}
	for _, t := range targets {
		nomination.Targets = append(nomination.Targets, c.encode(t))
	}

	ledger, err := c.ledger(ctx, signer)
	if err != nil {
		return nil, err
	}
	if ledger != nil {
		nomination.Nominator = c.encode(ledger.Stash[:])
		nomination.Amount = compactToBig(ledger.Active)
	}
	return nomination, nil
}
