package db

import (
	"strconv"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/stakestar/tvpbot/utils"
)

var stateBucketName = []byte("State")

var (
	lastRewardBlockKey = []byte("lastRewardBlock")
	telegramOffsetKey  = []byte("telegramOffset")
	lastEraKey         = []byte("lastEra")
)

func (db *BoltDB) getCounter(key []byte) (uint64, error) {
	var data uint64
	err := db.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(stateBucketName).Get(key)
		if value == nil {
			return nil
		}
		var err error
		data, err = utils.StringToUint64(string(value))
		return errors.Wrapf(err, "error parsing %s", key)
	})
	return data, err
}

// advanceCounter stores value only if it is greater than the stored one.
func (db *BoltDB) advanceCounter(key []byte, value uint64) (bool, error) {
	advanced := false
	err := db.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(stateBucketName)
		if current := bucket.Get(key); current != nil {
			stored, err := utils.StringToUint64(string(current))
			if err != nil {
				return errors.Wrapf(err, "error parsing %s", key)
			}
			if value <= stored {
				return nil
			}
		}
		advanced = true
		return bucket.Put(key, []byte(strconv.FormatUint(value, 10)))
	})
	return advanced, err
}

func (db *BoltDB) GetLastRewardBlock() (uint64, error) {
	return db.getCounter(lastRewardBlockKey)
}

func (db *BoltDB) AdvanceLastRewardBlock(block uint64) (bool, error) {
	return db.advanceCounter(lastRewardBlockKey, block)
}

func (db *BoltDB) GetTelegramOffset() (uint64, error) {
	return db.getCounter(telegramOffsetKey)
}

func (db *BoltDB) AdvanceTelegramOffset(offset uint64) (bool, error) {
	return db.advanceCounter(telegramOffsetKey, offset)
}

func (db *BoltDB) GetLastEra() (uint64, error) {
	return db.getCounter(lastEraKey)
}

func (db *BoltDB) SaveLastEra(era uint64) (bool, error) {
	return db.advanceCounter(lastEraKey, era)
}
