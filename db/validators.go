package db

import (
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

var validatorsBucketName = []byte("Validators")

// ErrChatFull is returned when a chat already watches the maximum number of validators.
var ErrChatFull = errors.New("chat validator limit reached")

func (db *BoltDB) GetValidator(stash string) (*Validator, error) {
	var data Validator
	err := db.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(validatorsBucketName), []byte(stash), &data)
	})
	if err != nil {
		return nil, err
	}
	return &data, nil
}

func (db *BoltDB) ListValidators() ([]Validator, error) {
	return db.filterValidators(func(*Validator) bool { return true })
}

func (db *BoltDB) ListValidatorsByChat(chatID int64) ([]Validator, error) {
	return db.filterValidators(func(v *Validator) bool { return v.HasChat(chatID) })
}

// FindValidatorsByName returns every subscribed validator of chatID carrying name.
func (db *BoltDB) FindValidatorsByName(chatID int64, name string) ([]Validator, error) {
	return db.filterValidators(func(v *Validator) bool {
		return v.Name == name && v.HasChat(chatID)
	})
}

func (db *BoltDB) filterValidators(keep func(*Validator) bool) ([]Validator, error) {
	var dataList []Validator
	err := db.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(validatorsBucketName).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var data Validator
			if err := json.Unmarshal(v, &data); err != nil {
				return err
			}
			if keep(&data) {
				dataList = append(dataList, data)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dataList, nil
}

// UpdateValidator applies fn to the stored document inside one transaction.
// Nothing is written when fn returns an error.
func (db *BoltDB) UpdateValidator(stash string, fn func(v *Validator) error) (*Validator, error) {
	var data Validator
	err := db.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(validatorsBucketName)
		if err := getJSON(bucket, []byte(stash), &data); err != nil {
			return err
		}
		if err := fn(&data); err != nil {
			return err
		}
		data.Stash = stash
		return putJSON(bucket, []byte(stash), &data)
	})
	if err != nil {
		return nil, err
	}
	return &data, nil
}

// AddValidatorChat subscribes chatID to the validator. fresh is stored when the
// validator is not tracked yet; otherwise only the chat id is added. A chat
// already watching limit validators gets ErrChatFull. Repeated adds are no-ops.
func (db *BoltDB) AddValidatorChat(fresh *Validator, chatID int64, limit int) (*Validator, error) {
	var data Validator
	err := db.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(validatorsBucketName)
		err := getJSON(bucket, []byte(fresh.Stash), &data)
		switch {
		case errors.Is(err, ErrNotFound):
			data = *fresh
			data.ChatIDs = nil
			data.UpdatedAt = time.Now()
		case err != nil:
			return err
		}

		if data.HasChat(chatID) {
			return nil
		}

		if limit > 0 {
			count := 0
			c := bucket.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var other Validator
				if err := json.Unmarshal(v, &other); err != nil {
					return err
				}
				if other.HasChat(chatID) {
					count++
				}
			}
			if count >= limit {
				return ErrChatFull
			}
		}

		data.ChatIDs = append(data.ChatIDs, chatID)
		return putJSON(bucket, []byte(data.Stash), &data)
	})
	if err != nil {
		return nil, err
	}
	return &data, nil
}

// RemoveValidatorChat unsubscribes chatID and deletes the validator when no
// chat is left. deleted reports whether the document is gone.
func (db *BoltDB) RemoveValidatorChat(stash string, chatID int64) (deleted bool, err error) {
	err = db.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(validatorsBucketName)
		var data Validator
		if err := getJSON(bucket, []byte(stash), &data); err != nil {
			return err
		}
		data.ChatIDs = withoutChat(data.ChatIDs, chatID)
		if len(data.ChatIDs) == 0 {
			deleted = true
			return bucket.Delete([]byte(stash))
		}
		return putJSON(bucket, []byte(stash), &data)
	})
	return deleted, err
}

// RemoveChatFromAll drops chatID from every validator, deleting orphans.
func (db *BoltDB) RemoveChatFromAll(chatID int64) error {
	return db.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(validatorsBucketName)
		var orphans [][]byte
		updates := map[string]*Validator{}
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var data Validator
			if err := json.Unmarshal(v, &data); err != nil {
				return err
			}
			if !data.HasChat(chatID) {
				continue
			}
			data.ChatIDs = withoutChat(data.ChatIDs, chatID)
			if len(data.ChatIDs) == 0 {
				orphans = append(orphans, append([]byte(nil), k...))
			} else {
				updates[string(k)] = &data
			}
		}
		for _, k := range orphans {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		for k, data := range updates {
			if err := putJSON(bucket, []byte(k), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func withoutChat(ids []int64, chatID int64) []int64 {
	out := ids[:0:0]
	for _, id := range ids {
		if id != chatID {
			out = append(out, id)
		}
	}
	return out
}
