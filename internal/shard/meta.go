// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shard

import (
	"encoding/binary"
	"time"

	"github.com/cockroachdb/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	metaBucket    = []byte("shard")
	appliedSeqKey = []byte("applied_seq")
)

// MetaStore persists the durable high-water mark of applied operations. A
// wal entry below the mark is already reflected in the segment snapshots and
// may be truncated.
type MetaStore struct {
	db *bolt.DB
}

// OpenMetaStore opens (or creates) the bolt file at path.
func OpenMetaStore(path string) (*MetaStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open meta store")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "init meta store")
	}
	return &MetaStore{db: db}, nil
}

// SaveAppliedSeq durably records the high-water mark.
func (m *MetaStore) SaveAppliedSeq(seq SeqNum) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], seq)
		return tx.Bucket(metaBucket).Put(appliedSeqKey, buf[:])
	})
}

// LoadAppliedSeq returns the recorded high-water mark, zero when none.
func (m *MetaStore) LoadAppliedSeq() (SeqNum, error) {
	var seq SeqNum
	err := m.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(metaBucket).Get(appliedSeqKey)
		if value != nil {
			seq = binary.BigEndian.Uint64(value)
		}
		return nil
	})
	return seq, err
}

// Close releases the bolt file.
func (m *MetaStore) Close() error {
	return m.db.Close()
}
