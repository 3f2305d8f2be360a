package chain

import (
	"context"
	"math/big"
	"sync"

	gsrpc "github.com/centrifuge/go-substrate-rpc-client/v4"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	subkey "github.com/vedhavyas/go-subkey/v2"
	"go.uber.org/zap"

	"github.com/stakestar/tvpbot/address"
)

// Client reads staking state and block facts from a Substrate node.
type Client struct {
	api    *gsrpc.SubstrateAPI
	addr   *address.Validator
	logger *zap.Logger

	metaMu sync.RWMutex
	meta   *types.Metadata

	totalStake *lru.Cache
}

func Dial(url string, prefix uint16, logger *zap.Logger) (*Client, error) {
	api, err := gsrpc.NewSubstrateAPI(url)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to node")
	}
	meta, err := api.RPC.State.GetMetadataLatest()
	if err != nil {
		api.Client.Close()
		return nil, errors.Wrap(err, "failed to fetch metadata")
	}
	cache, err := lru.New(32)
	if err != nil {
		api.Client.Close()
		return nil, err
	}
	return &Client{
		api:        api,
		addr:       address.NewValidator(prefix),
		logger:     logger.With(zap.String("who", "ChainClient")),
		meta:       meta,
		totalStake: cache,
	}, nil
}

func (c *Client) Close() {
	c.api.Client.Close()
}

// RefreshMetadata reloads runtime metadata, needed after runtime upgrades.
func (c *Client) RefreshMetadata(ctx context.Context) error {
	meta, err := c.api.RPC.State.GetMetadataLatest()
	if err != nil {
		return err
	}
	c.metaMu.Lock()
	c.meta = meta
	c.metaMu.Unlock()
	return nil
}

func (c *Client) metadata() *types.Metadata {
	c.metaMu.RLock()
	defer c.metaMu.RUnlock()
	return c.meta
}

func (c *Client) encode(pub []byte) string {
	return c.addr.Encode(pub)
}

func publicKey(stash string) ([]byte, error) {
	_, pub, err := subkey.SS58Decode(stash)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid address %s", stash)
	}
	return pub, nil
}

func (c *Client) storageKey(module, method string, args ...[]byte) (types.StorageKey, error) {
	key, err := types.CreateStorageKey(c.metadata(), module, method, args...)
	return key, errors.Wrapf(err, "storage key %s.%s", module, method)
}

func (c *Client) queryLatest(ctx context.Context, target interface{}, module, method string, args ...[]byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key, err := c.storageKey(module, method, args...)
	if err != nil {
		return false, err
	}
	ok, err := c.api.RPC.State.GetStorageLatest(key, target)
	return ok, errors.Wrapf(err, "query %s.%s", module, method)
}

func (c *Client) ActiveEra(ctx context.Context) (uint32, error) {
	var info ActiveEraInfo
	ok, err := c.queryLatest(ctx, &info, "Staking", "ActiveEra")
	if err != nil || !ok {
		return 0, err
	}
	return uint32(info.Index), nil
}

// SessionValidators returns the current active set.
func (c *Client) SessionValidators(ctx context.Context) ([]string, error) {
	var validators [][32]byte
	if _, err := c.queryLatest(ctx, &validators, "Session", "Validators"); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(validators))
	for _, v := range validators {
		out = append(out, c.encode(v[:]))
	}
	return out, nil
}

func (c *Client) IsActive(ctx context.Context, stash string) (bool, error) {
	validators, err := c.SessionValidators(ctx)
	if err != nil {
		return false, err
	}
	for _, v := range validators {
		if v == stash {
			return true, nil
		}
	}
	return false, nil
}

// Commission returns the commission as a percentage string, e.g. "5.00%".
func (c *Client) Commission(ctx context.Context, stash string) (string, error) {
	pub, err := publicKey(stash)
	if err != nil {
		return "", err
	}
	var prefs ValidatorPrefs
	ok, err := c.queryLatest(ctx, &prefs, "Staking", "Validators", pub)
	if err != nil || !ok {
		return "", err
	}
	return FormatPerbill(compactToBig(prefs.Commission)), nil
}

// FormatPerbill renders a Perbill as a percentage with two decimals.
func FormatPerbill(perbill *big.Int) string {
	return decimal.NewFromBigInt(perbill, -7).StringFixed(2) + "%"
}

// SessionKeys returns the hex encoded Session.NextKeys of stash.
func (c *Client) SessionKeys(ctx context.Context, stash string) (string, error) {
	pub, err := publicKey(stash)
	if err != nil {
		return "", err
	}
	key, err := c.storageKey("Session", "NextKeys", pub)
	if err != nil {
		return "", err
	}
	raw, err := c.api.RPC.State.GetStorageRawLatest(key)
	if err != nil {
		return "", errors.Wrap(err, "query Session.NextKeys")
	}
	if raw == nil || len(*raw) == 0 {
		return "", nil
	}
	return codec.HexEncodeToString(*raw), nil
}

func (c *Client) Controller(ctx context.Context, stash string) (string, error) {
	pub, err := publicKey(stash)
	if err != nil {
		return "", err
	}
	var controller [32]byte
	ok, err := c.queryLatest(ctx, &controller, "Staking", "Bonded", pub)
	if err != nil || !ok {
		return "", err
	}
	return c.encode(controller[:]), nil
}

func (c *Client) ledger(ctx context.Context, controller []byte) (*StakingLedger, error) {
	var ledger StakingLedger
	ok, err := c.queryLatest(ctx, &ledger, "Staking", "Ledger", controller)
	if err != nil || !ok {
		return nil, err
	}
	return &ledger, nil
}

// EraTotalStake returns Staking.ErasTotalStake for era, cached per era.
func (c *Client) EraTotalStake(ctx context.Context, era uint32) (*big.Int, error) {
	if v, ok := c.totalStake.Get(era); ok {
		return new(big.Int).Set(v.(*big.Int)), nil
	}
	eraKey, err := codec.Encode(types.NewU32(era))
	if err != nil {
		return nil, err
	}
	var total types.U128
	ok, err := c.queryLatest(ctx, &total, "Staking", "ErasTotalStake", eraKey)
	if err != nil {
		return nil, err
	}
	if !ok || total.Int == nil {
		return big.NewInt(0), nil
	}
	c.totalStake.Add(era, new(big.Int).Set(total.Int))
	return new(big.Int).Set(total.Int), nil
}

// StakingInfo returns the validator's exposure in the active era.
func (c *Client) StakingInfo(ctx context.Context, stash string) (*StakingInfo, error) {
	pub, err := publicKey(stash)
	if err != nil {
		return nil, err
	}
	era, err := c.ActiveEra(ctx)
	if err != nil {
		return nil, err
	}
	active, err := c.IsActive(ctx, stash)
	if err != nil {
		return nil, err
	}
	commission, err := c.Commission(ctx, stash)
	if err != nil {
		return nil, err
	}
	eraKey, err := codec.Encode(types.NewU32(era))
	if err != nil {
		return nil, err
	}

	info := &StakingInfo{Era: era, Active: active, Commission: commission, Own: big.NewInt(0), Total: big.NewInt(0)}

	var exposure Exposure
	ok, err := c.queryLatest(ctx, &exposure, "Staking", "ErasStakers", eraKey, pub)
	if err == nil && ok {
		info.Own = compactToBig(exposure.Own)
		info.Total = compactToBig(exposure.Total)
		info.Nominators = len(exposure.Others)
		return info, nil
	}

	// paged exposures replaced ErasStakers on newer runtimes
	var overview PagedExposureMetadata
	ok, err = c.queryLatest(ctx, &overview, "Staking", "ErasStakersOverview", eraKey, pub)
	if err != nil {
		return nil, err
	}
	if ok {
		info.Own = compactToBig(overview.Own)
		info.Total = compactToBig(overview.Total)
		info.Nominators = int(overview.NominatorCount)
	}
	return info, nil
}

// UnclaimedEras lists eras in [current-depth, current) whose rewards the
// ledger has not claimed. Only meaningful on runtimes that still keep
// claimed eras in the ledger.
func (c *Client) UnclaimedEras(ctx context.Context, stash string, current uint32, depth uint32) ([]uint32, error) {
	pub, err := publicKey(stash)
	if err != nil {
		return nil, err
	}
	var controller [32]byte
	ok, err := c.queryLatest(ctx, &controller, "Staking", "Bonded", pub)
	if err != nil || !ok {
		return nil, err
	}
	ledger, err := c.ledger(ctx, controller[:])
	if err != nil || ledger == nil {
		return nil, err
	}

	var unclaimed []uint32
	for _, era := range erasToCheck(ledger.ClaimedRewards, current, depth) {
		eraKey, err := codec.Encode(types.NewU32(era))
		if err != nil {
			return nil, err
		}
		var points struct {
			Total      types.U32
			Individual []struct {
				Who    [32]byte
				Points types.U32
			}
		}
		ok, err := c.queryLatest(ctx, &points, "Staking", "ErasRewardPoints", eraKey)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		for _, p := range points.Individual {
			if string(p.Who[:]) == string(pub) {
				unclaimed = append(unclaimed, era)
				break
			}
		}
	}
	return unclaimed, nil
}

// erasToCheck lists the eras in [current-depth, current) missing from claimed.
func erasToCheck(claimed []types.U32, current, depth uint32) []uint32 {
	done := make(map[uint32]struct{}, len(claimed))
	for _, era := range claimed {
		done[uint32(era)] = struct{}{}
	}
	start := uint32(0)
	if current > depth {
		start = current - depth
	}
	var eras []uint32
	for era := start; era < current; era++ {
		if _, ok := done[era]; !ok {
			eras = append(eras, era)
		}
	}
	return eras
}

func (c *Client) FinalizedNumber(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	hash, err := c.api.RPC.Chain.GetFinalizedHead()
	if err != nil {
		return 0, err
	}
	header, err := c.api.RPC.Chain.GetHeader(hash)
	if err != nil {
		return 0, err
	}
	return uint64(header.Number), nil
}

// authorAt resolves the block author from the BABE digest and the session
// validator set at that block.
func (c *Client) authorAt(header *types.Header, hash types.Hash) (string, error) {
	idx, ok := babeAuthorityIndex(header.Digest)
	if !ok {
		return "", errors.New("no BABE pre-runtime digest")
	}
	key, err := c.storageKey("Session", "Validators")
	if err != nil {
		return "", err
	}
	var validators [][32]byte
	if _, err := c.api.RPC.State.GetStorage(key, &validators, hash); err != nil {
		return "", err
	}
	if int(idx) >= len(validators) {
		return "", errors.Errorf("authority index %d out of range", idx)
	}
	return c.encode(validators[idx][:]), nil
}
