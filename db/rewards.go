package db

import (
	"bytes"
	"encoding/json"

	"github.com/stakestar/tvpbot/utils"
	bolt "go.etcd.io/bbolt"
)

var rewardsBucketName = []byte("Rewards")

// PutReward stores a payout; the (stash, block) key makes rescans idempotent.
func (db *BoltDB) PutReward(reward Reward) error {
	return db.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(rewardsBucketName), utils.CompositeKey(reward.Stash, reward.Block), &reward)
	})
}

// ListRewards returns payouts of stash in block order.
func (db *BoltDB) ListRewards(stash string) ([]Reward, error) {
	var rewards []Reward
	prefix := utils.PrefixKey(stash)
	err := db.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(rewardsBucketName).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var reward Reward
			if err := json.Unmarshal(v, &reward); err != nil {
				return err
			}
			rewards = append(rewards, reward)
		}
		return nil
	})
	return rewards, err
}
