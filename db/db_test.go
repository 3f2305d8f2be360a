package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *BoltDB {
	t.Helper()
	db, err := NewBoltDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAddValidatorChatIsIdempotent(t *testing.T) {
	db := newTestDB(t)

	v, err := db.AddValidatorChat(&Validator{Stash: "S1", Name: "one", Rank: 5}, 100, 20)
	require.NoError(t, err)
	require.Equal(t, []int64{100}, v.ChatIDs)

	v, err = db.AddValidatorChat(&Validator{Stash: "S1", Name: "ignored"}, 100, 20)
	require.NoError(t, err)
	require.Equal(t, []int64{100}, v.ChatIDs)
	require.Equal(t, "one", v.Name)

	v, err = db.AddValidatorChat(&Validator{Stash: "S1"}, 200, 20)
	require.NoError(t, err)
	require.Equal(t, []int64{100, 200}, v.ChatIDs)
}

func TestAddValidatorChatRespectsLimit(t *testing.T) {
	db := newTestDB(t)

	_, err := db.AddValidatorChat(&Validator{Stash: "S1"}, 100, 2)
	require.NoError(t, err)
	_, err = db.AddValidatorChat(&Validator{Stash: "S2"}, 100, 2)
	require.NoError(t, err)
	_, err = db.AddValidatorChat(&Validator{Stash: "S3"}, 100, 2)
	require.ErrorIs(t, err, ErrChatFull)

	_, err = db.GetValidator("S3")
	require.ErrorIs(t, err, ErrNotFound)

	// re-adding an existing subscription is not blocked by the limit
	_, err = db.AddValidatorChat(&Validator{Stash: "S2"}, 100, 2)
	require.NoError(t, err)
}

func TestRemoveValidatorChatDeletesOrphans(t *testing.T) {
	db := newTestDB(t)

	_, err := db.AddValidatorChat(&Validator{Stash: "S1"}, 100, 20)
	require.NoError(t, err)
	_, err = db.AddValidatorChat(&Validator{Stash: "S1"}, 200, 20)
	require.NoError(t, err)

	deleted, err := db.RemoveValidatorChat("S1", 100)
	require.NoError(t, err)
	require.False(t, deleted)
	v, err := db.GetValidator("S1")
	require.NoError(t, err)
	require.Equal(t, []int64{200}, v.ChatIDs)

	deleted, err = db.RemoveValidatorChat("S1", 200)
	require.NoError(t, err)
	require.True(t, deleted)
	_, err = db.GetValidator("S1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveChatFromAll(t *testing.T) {
	db := newTestDB(t)

	_, _ = db.AddValidatorChat(&Validator{Stash: "S1"}, 100, 20)
	_, _ = db.AddValidatorChat(&Validator{Stash: "S2"}, 100, 20)
	_, _ = db.AddValidatorChat(&Validator{Stash: "S2"}, 200, 20)

	require.NoError(t, db.RemoveChatFromAll(100))

	_, err := db.GetValidator("S1")
	require.ErrorIs(t, err, ErrNotFound)
	v, err := db.GetValidator("S2")
	require.NoError(t, err)
	require.Equal(t, []int64{200}, v.ChatIDs)
}

func TestUpdateValidatorRollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	_, _ = db.AddValidatorChat(&Validator{Stash: "S1", Rank: 5}, 100, 20)

	_, err := db.UpdateValidator("S1", func(v *Validator) error {
		v.Rank = 1
		return ErrNotFound
	})
	require.Error(t, err)

	v, err := db.GetValidator("S1")
	require.NoError(t, err)
	require.Equal(t, int64(5), v.Rank)

	_, err = db.UpdateValidator("missing", func(v *Validator) error { return nil })
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFindValidatorsByName(t *testing.T) {
	db := newTestDB(t)
	_, _ = db.AddValidatorChat(&Validator{Stash: "S1", Name: "twin"}, 100, 20)
	_, _ = db.AddValidatorChat(&Validator{Stash: "S2", Name: "twin"}, 100, 20)
	_, _ = db.AddValidatorChat(&Validator{Stash: "S3", Name: "twin"}, 200, 20)

	found, err := db.FindValidatorsByName(100, "twin")
	require.NoError(t, err)
	require.Len(t, found, 2)
}

func TestChats(t *testing.T) {
	db := newTestDB(t)

	chat, created, err := db.GetOrCreateChat(100)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, BlockPeriodHourly, chat.BlockPeriod)
	require.True(t, chat.NotifyNominations && chat.NotifyChills && chat.NotifyOffline)

	require.NoError(t, db.SetChatState(100, StateAdd))
	chat, created, err = db.GetOrCreateChat(100)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, string(StateAdd), chat.State)

	require.NoError(t, db.DeleteChat(100))
	_, err = db.GetChat(100)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestParseChatState(t *testing.T) {
	s, err := ParseChatState("")
	require.NoError(t, err)
	require.Equal(t, StateIdle, s)

	s, err = ParseChatState("REWARDS_ENTER_ADDRESS")
	require.NoError(t, err)
	require.Equal(t, StateRewardsEnterAddress, s)

	_, err = ParseChatState("ADD_VALIDATOR")
	require.ErrorIs(t, err, ErrUnknownState)
}

func TestPendingBlocks(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.PutChat(NewChat(200)))
	require.NoError(t, db.PutChat(NewChat(20)))

	for _, b := range []uint64{12, 10, 11, 10} {
		require.NoError(t, db.AppendPendingBlock(200, "S2", b))
	}
	require.NoError(t, db.AppendPendingBlock(20, "S2", 99))

	p, err := db.GetPending(200, "S2")
	require.NoError(t, err)
	require.Equal(t, []uint64{10, 11, 12}, p.Blocks)

	byChat, err := db.ListPendingByChat(200)
	require.NoError(t, err)
	require.Len(t, byChat, 1)

	all, err := db.ListPending()
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, db.AppendPendingBlock(200, "S2", 13))
	require.NoError(t, db.RemovePendingBlocks(200, "S2", []uint64{10, 11, 12}))
	p, err = db.GetPending(200, "S2")
	require.NoError(t, err)
	require.Equal(t, []uint64{13}, p.Blocks)

	require.NoError(t, db.RemovePendingBlocks(200, "S2", []uint64{13}))
	_, err = db.GetPending(200, "S2")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.DeletePendingByChat(20))
	all, err = db.ListPending()
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestRankHistoryAndRewards(t *testing.T) {
	db := newTestDB(t)

	has, err := db.HasRankHistory("S1")
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, db.AppendRank(RankEntry{Stash: "S1", Rank: 5, Timestamp: 1000}))
	require.NoError(t, db.AppendRank(RankEntry{Stash: "S1", Rank: 3, Timestamp: 2000}))
	require.NoError(t, db.AppendRank(RankEntry{Stash: "S10", Rank: 1, Timestamp: 500}))

	entries, err := db.ListRankHistory("S1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, int64(3), entries[1].Rank)

	require.NoError(t, db.PutReward(Reward{Stash: "S1", Block: 20, Amount: "5"}))
	require.NoError(t, db.PutReward(Reward{Stash: "S1", Block: 3, Amount: "7"}))
	require.NoError(t, db.PutReward(Reward{Stash: "S1", Block: 20, Amount: "5"}))

	rewards, err := db.ListRewards("S1")
	require.NoError(t, err)
	require.Len(t, rewards, 2)
	require.Equal(t, uint64(3), rewards[0].Block)
}

func TestCountersOnlyAdvance(t *testing.T) {
	db := newTestDB(t)

	block, err := db.GetLastRewardBlock()
	require.NoError(t, err)
	require.Zero(t, block)

	advanced, err := db.AdvanceLastRewardBlock(100)
	require.NoError(t, err)
	require.True(t, advanced)

	advanced, err = db.AdvanceLastRewardBlock(50)
	require.NoError(t, err)
	require.False(t, advanced)

	block, err = db.GetLastRewardBlock()
	require.NoError(t, err)
	require.Equal(t, uint64(100), block)

	_, err = db.AdvanceTelegramOffset(7)
	require.NoError(t, err)
	offset, err := db.GetTelegramOffset()
	require.NoError(t, err)
	require.Equal(t, uint64(7), offset)
}

func TestPendingBlocksNeedBatchingChat(t *testing.T) {
	db := newTestDB(t)
	require.ErrorIs(t, db.AppendPendingBlock(1, "S", 10), ErrNotBatching)

	for _, period := range []int{BlockPeriodOff, BlockPeriodImmediate} {
		chat := NewChat(2)
		chat.BlockPeriod = period
		require.NoError(t, db.PutChat(chat))
		require.ErrorIs(t, db.AppendPendingBlock(2, "S", 10), ErrNotBatching)
	}

	all, err := db.ListPending()
	require.NoError(t, err)
	require.Empty(t, all)
}
