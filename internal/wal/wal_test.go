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

package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWal_WriteAssignsMonotonicSeq(t *testing.T) {
	w, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)
	defer w.Close()

	for i := 1; i <= 10; i++ {
		seq, err := w.Write([]byte(fmt.Sprintf("op-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, SeqNum(i), seq)
	}
	assert.Equal(t, SeqNum(10), w.LastSeq())
}

func TestWal_ReplayAfterReopen(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir, Options{})
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		_, err := w.Write([]byte(fmt.Sprintf("op-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	w, err = Open(dir, Options{})
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, SeqNum(5), w.LastSeq())

	var replayed []string
	err = w.ReadFrom(3, func(seq SeqNum, payload []byte) error {
		replayed = append(replayed, string(payload))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"op-3", "op-4", "op-5"}, replayed)

	// writes continue after the recovered tail
	seq, err := w.Write([]byte("op-6"))
	require.NoError(t, err)
	assert.Equal(t, SeqNum(6), seq)
}

func TestWal_TornTailIsTruncated(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir, Options{})
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := w.Write([]byte("payload"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	// chop a few bytes off the tail frame to simulate a crash mid-write
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var tail string
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == fileSuffix {
			tail = filepath.Join(dir, entry.Name())
		}
	}
	require.NotEmpty(t, tail)
	info, err := os.Stat(tail)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(tail, info.Size()-3))

	w, err = Open(dir, Options{})
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, SeqNum(2), w.LastSeq())

	count := 0
	require.NoError(t, w.ReadFrom(1, func(SeqNum, []byte) error {
		count++
		return nil
	}))
	assert.Equal(t, 2, count)
}

func TestWal_SegmentRollAndTruncate(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir, Options{SegmentSize: 64})
	require.NoError(t, err)
	defer w.Close()

	for i := 1; i <= 20; i++ {
		_, err := w.Write([]byte("some-payload-that-fills-up-a-segment"))
		require.NoError(t, err)
	}
	require.Greater(t, len(w.sealed), 0)

	require.NoError(t, w.TruncateBefore(15))

	var seqs []SeqNum
	require.NoError(t, w.ReadFrom(1, func(seq SeqNum, _ []byte) error {
		seqs = append(seqs, seq)
		return nil
	}))
	require.NotEmpty(t, seqs)
	// everything still replayable is >= the first kept file's first entry,
	// and nothing at or above the watermark was dropped
	for _, seq := range seqs {
		assert.GreaterOrEqual(t, seq, w.firstSeq)
	}
	assert.Contains(t, seqs, SeqNum(15))
	assert.Contains(t, seqs, SeqNum(20))
}

func TestWal_DirLockExcludesSecondOpener(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir, Options{})
	require.NoError(t, err)
	defer w.Close()

	_, err = Open(dir, Options{})
	assert.Error(t, err)
}
