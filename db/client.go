package db

import (
	"encoding/json"
	"errors"

	bolt "go.etcd.io/bbolt"
)

var ErrNotFound = errors.New("not found")

type BoltDB struct {
	db *bolt.DB
}

var buckets = [][]byte{
	validatorsBucketName,
	chatsBucketName,
	pendingBucketName,
	rankHistoryBucketName,
	rewardsBucketName,
	stateBucketName,
}

// NewBoltDB opens (creating if missing) the database file and its buckets.
func NewBoltDB(dbPath string) (*BoltDB, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltDB{db}, nil
}

func (db *BoltDB) Close() error {
	return db.db.Close()
}

func getJSON(bucket *bolt.Bucket, key []byte, target interface{}) error {
	value := bucket.Get(key)
	if value == nil {
		return ErrNotFound
	}
	return json.Unmarshal(value, target)
}

func putJSON(bucket *bolt.Bucket, key []byte, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return bucket.Put(key, data)
}
