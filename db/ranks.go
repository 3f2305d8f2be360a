package db

import (
	"bytes"
	"encoding/json"

	"github.com/stakestar/tvpbot/utils"
	bolt "go.etcd.io/bbolt"
)

var rankHistoryBucketName = []byte("RankHistory")

func (db *BoltDB) AppendRank(entry RankEntry) error {
	return db.db.Update(func(tx *bolt.Tx) error {
		key := utils.CompositeKey(entry.Stash, uint64(entry.Timestamp))
		return putJSON(tx.Bucket(rankHistoryBucketName), key, &entry)
	})
}

func (db *BoltDB) HasRankHistory(stash string) (bool, error) {
	found := false
	prefix := utils.PrefixKey(stash)
	err := db.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(rankHistoryBucketName).Cursor().Seek(prefix)
		found = k != nil && bytes.HasPrefix(k, prefix)
		return nil
	})
	return found, err
}

// ListRankHistory returns entries oldest first.
func (db *BoltDB) ListRankHistory(stash string) ([]RankEntry, error) {
	var entries []RankEntry
	prefix := utils.PrefixKey(stash)
	err := db.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(rankHistoryBucketName).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var entry RankEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}
