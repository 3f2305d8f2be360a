package chain

import (
	"math/big"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
)

// ValidatorPrefs mirrors Staking.Validators; commission is a compact Perbill.
type ValidatorPrefs struct {
	Commission types.UCompact
	Blocked    types.Bool
}

type UnlockChunk struct {
	Value types.UCompact
	Era   types.UCompact
}

// StakingLedger mirrors Staking.Ledger.
type StakingLedger struct {
	Stash          [32]byte
	Total          types.UCompact
	Active         types.UCompact
	Unlocking      []UnlockChunk
	ClaimedRewards []types.U32
}

type ActiveEraInfo struct {
	Index types.U32
	Start types.OptionU64
}

type IndividualExposure struct {
	Who   [32]byte
	Value types.UCompact
}

type Exposure struct {
	Total  types.UCompact
	Own    types.UCompact
	Others []IndividualExposure
}

// PagedExposureMetadata mirrors Staking.ErasStakersOverview on paged-exposure runtimes.
type PagedExposureMetadata struct {
	Total          types.UCompact
	Own            types.UCompact
	NominatorCount types.U32
	PageCount      types.U32
}

// Head is a finalized block header with its author resolved.
type Head struct {
	Number uint64
	Hash   string
	Author string
}

type Nomination struct {
	Nominator      string
	Amount         *big.Int
	Targets        []string
	ExtrinsicIndex int
}

type Chill struct {
	Controller     string
	ExtrinsicIndex int
}

// Offline is the ImOnline.SomeOffline report of a block.
type Offline struct {
	Offenders []string
}

type Payout struct {
	Stash  string
	Amount *big.Int
}

// BlockFacts are the per-block observations the bot cares about.
type BlockFacts struct {
	Number      uint64
	Hash        string
	Author      string
	Nominations []Nomination
	Chills      []Chill
	Offline     *Offline
	Payouts     []Payout
}

// StakingInfo summarises a validator's exposure in an era.
type StakingInfo struct {
	Era        uint32
	Active     bool
	Commission string
	Own        *big.Int
	Total      *big.Int
	Nominators int
}

func compactToBig(u types.UCompact) *big.Int {
	return new(big.Int).Set((*big.Int)(&u))
}
