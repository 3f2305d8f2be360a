package db

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"strconv"

	bolt "go.etcd.io/bbolt"
)

var pendingBucketName = []byte("PendingBlockNotifications")

func pendingPrefix(chatID int64) []byte {
	return []byte(strconv.FormatInt(chatID, 10) + "|")
}

func pendingKey(chatID int64, stash string) []byte {
	return append(pendingPrefix(chatID), stash...)
}

// ErrNotBatching is returned when a block is queued for a chat that is gone
// or does not batch block notifications.
var ErrNotBatching = errors.New("chat does not batch block notifications")

// AppendPendingBlock queues block for a batched announcement, ignoring
// duplicates. The chat's period is read in the same transaction, so a chat
// switched off never gets a record.
func (db *BoltDB) AppendPendingBlock(chatID int64, stash string, block uint64) error {
	return db.db.Update(func(tx *bolt.Tx) error {
		var chat Chat
		if err := getJSON(tx.Bucket(chatsBucketName), chatKey(chatID), &chat); err != nil {
			if err == ErrNotFound {
				return ErrNotBatching
			}
			return err
		}
		if chat.BlockPeriod <= BlockPeriodImmediate {
			return ErrNotBatching
		}

		bucket := tx.Bucket(pendingBucketName)
		key := pendingKey(chatID, stash)
		data := Pending{ChatID: chatID, Stash: stash}
		if err := getJSON(bucket, key, &data); err != nil && err != ErrNotFound {
			return err
		}
		for _, b := range data.Blocks {
			if b == block {
				return nil
			}
		}
		data.Blocks = append(data.Blocks, block)
		sort.Slice(data.Blocks, func(i, j int) bool { return data.Blocks[i] < data.Blocks[j] })
		return putJSON(bucket, key, &data)
	})
}

func (db *BoltDB) GetPending(chatID int64, stash string) (*Pending, error) {
	var data Pending
	err := db.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(pendingBucketName), pendingKey(chatID, stash), &data)
	})
	if err != nil {
		return nil, err
	}
	return &data, nil
}

func (db *BoltDB) ListPending() ([]Pending, error) {
	return db.scanPending(nil)
}

func (db *BoltDB) ListPendingByChat(chatID int64) ([]Pending, error) {
	return db.scanPending(pendingPrefix(chatID))
}

func (db *BoltDB) scanPending(prefix []byte) ([]Pending, error) {
	var dataList []Pending
	err := db.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(pendingBucketName).Cursor()
		k, v := c.First()
		if prefix != nil {
			k, v = c.Seek(prefix)
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var data Pending
			if err := json.Unmarshal(v, &data); err != nil {
				return err
			}
			dataList = append(dataList, data)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dataList, nil
}

// RemovePendingBlocks drops the given (already announced) blocks and deletes
// the record once it is empty. Blocks queued meanwhile are kept.
func (db *BoltDB) RemovePendingBlocks(chatID int64, stash string, sent []uint64) error {
	done := make(map[uint64]struct{}, len(sent))
	for _, b := range sent {
		done[b] = struct{}{}
	}
	return db.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(pendingBucketName)
		key := pendingKey(chatID, stash)
		var data Pending
		if err := getJSON(bucket, key, &data); err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		left := data.Blocks[:0:0]
		for _, b := range data.Blocks {
			if _, ok := done[b]; !ok {
				left = append(left, b)
			}
		}
		if len(left) == 0 {
			return bucket.Delete(key)
		}
		data.Blocks = left
		return putJSON(bucket, key, &data)
	})
}

func (db *BoltDB) DeletePendingByChat(chatID int64) error {
	prefix := pendingPrefix(chatID)
	return db.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(pendingBucketName)
		var keys [][]byte
		c := bucket.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
