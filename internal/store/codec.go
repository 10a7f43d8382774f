package store

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

func getJSON(tx *bbolt.Tx, bucket []byte, key string, out any) (bool, error) {
	b := tx.Bucket(bucket)
	if b == nil {
		return false, fmt.Errorf("store: bucket %q missing", bucket)
	}
	data := b.Get([]byte(key))
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("store: unmarshal %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func putJSON(tx *bbolt.Tx, bucket []byte, key string, in any) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("store: bucket %q missing", bucket)
	}
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("store: marshal %s/%s: %w", bucket, key, err)
	}
	return b.Put([]byte(key), data)
}

func jsonUnmarshalInto(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("store: unmarshal: %w", err)
	}
	return nil
}

func deleteKey(tx *bbolt.Tx, bucket []byte, key string) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("store: bucket %q missing", bucket)
	}
	return b.Delete([]byte(key))
}

func forEachPrefix(tx *bbolt.Tx, bucket []byte, prefix string, fn func(key, value []byte) error) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("store: bucket %q missing", bucket)
	}
	c := b.Cursor()
	p := []byte(prefix)
	for k, v := c.Seek(p); k != nil && hasPrefix(k, p); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
