package db

import (
	"encoding/json"
	"errors"
	"strconv"

	bolt "go.etcd.io/bbolt"
)

var chatsBucketName = []byte("Chats")

func chatKey(id int64) []byte {
	return []byte(strconv.FormatInt(id, 10))
}

func (db *BoltDB) GetChat(id int64) (*Chat, error) {
	var data Chat
	err := db.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(chatsBucketName), chatKey(id), &data)
	})
	if err != nil {
		return nil, err
	}
	return &data, nil
}

// GetOrCreateChat returns the chat document, storing defaults for unseen chats.
func (db *BoltDB) GetOrCreateChat(id int64) (*Chat, bool, error) {
	var data Chat
	created := false
	err := db.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(chatsBucketName)
		err := getJSON(bucket, chatKey(id), &data)
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		created = true
		data = *NewChat(id)
		return putJSON(bucket, chatKey(id), &data)
	})
	if err != nil {
		return nil, false, err
	}
	return &data, created, nil
}

func (db *BoltDB) PutChat(chat *Chat) error {
	return db.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(chatsBucketName), chatKey(chat.ID), chat)
	})
}

// UpdateChat applies fn to the stored chat inside one transaction.
func (db *BoltDB) UpdateChat(id int64, fn func(c *Chat) error) (*Chat, error) {
	var data Chat
	err := db.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(chatsBucketName)
		if err := getJSON(bucket, chatKey(id), &data); err != nil {
			return err
		}
		if err := fn(&data); err != nil {
			return err
		}
		data.ID = id
		return putJSON(bucket, chatKey(id), &data)
	})
	if err != nil {
		return nil, err
	}
	return &data, nil
}

func (db *BoltDB) SetChatState(id int64, state ChatState) error {
	_, err := db.UpdateChat(id, func(c *Chat) error {
		c.State = string(state)
		return nil
	})
	return err
}

func (db *BoltDB) DeleteChat(id int64) error {
	return db.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucketName).Delete(chatKey(id))
	})
}

func (db *BoltDB) ListChats() ([]Chat, error) {
	var dataList []Chat
	err := db.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucketName).ForEach(func(k, v []byte) error {
			var data Chat
			if err := json.Unmarshal(v, &data); err != nil {
				return err
			}
			dataList = append(dataList, data)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return dataList, nil
}
