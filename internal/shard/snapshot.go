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
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/vecstore-io/vecstore/internal/segment"
)

const snapshotSuffix = ".segment.json"

type snapshotPoint struct {
	ID      segment.PointID      `json:"id"`
	Version SeqNum               `json:"version"`
	Vectors segment.NamedVectors `json:"vectors"`
	Payload segment.Payload      `json:"payload,omitempty"`
}

type segmentSnapshot struct {
	Type        segment.Type                         `json:"type"`
	Appendable  bool                                 `json:"appendable"`
	IndexSchema map[string]segment.PayloadSchemaType `json:"index_schema,omitempty"`
	Points      []snapshotPoint                      `json:"points"`
}

// writeSegmentSnapshots persists the effective contents of every segment
// under dir, replacing the previous generation. Each segment is drained under
// its own write lock, so every snapshot is internally consistent.
func writeSegmentSnapshots(dir string, entries []HolderEntry) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create snapshot dir")
	}

	written := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		name := fmt.Sprintf("%06d%s", entry.ID, snapshotSuffix)
		err := entry.Segment.Write(func(seg segment.Segment) error {
			if _, err := seg.Flush(); err != nil {
				return err
			}
			return writeOneSnapshot(filepath.Join(dir, name), seg)
		})
		if err != nil {
			return err
		}
		written[name] = struct{}{}
	}

	// drop snapshots of segments that no longer exist
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "read snapshot dir")
	}
	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		if !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		if _, keep := written[name]; !keep {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return errors.Wrap(err, "remove stale snapshot")
			}
		}
	}
	return nil
}

func writeOneSnapshot(path string, seg segment.Segment) error {
	info := seg.Info()
	snapshot := segmentSnapshot{
		Type:        info.Type,
		Appendable:  seg.IsAppendable(),
		IndexSchema: info.IndexSchema,
	}
	for _, id := range seg.ReadFiltered(nil, math.MaxInt, nil) {
		record, ok := seg.Retrieve(id, segment.SearchOptions{WithPayload: true, WithVector: true})
		if !ok {
			continue
		}
		snapshot.Points = append(snapshot.Points, snapshotPoint{
			ID:      record.ID,
			Version: record.Version,
			Vectors: record.Vectors,
			Payload: record.Payload,
		})
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write snapshot")
	}
	return errors.Wrap(os.Rename(tmp, path), "rename snapshot")
}

// loadSegmentSnapshots rebuilds segments from the last snapshot generation.
// Returns no segments when the directory does not exist yet.
func loadSegmentSnapshots(dir string, params segment.CollectionParams) ([]*segment.MemSegment, error) {
	dirEntries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read snapshot dir")
	}

	var segments []*segment.MemSegment
	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		if !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, errors.Wrap(err, "read snapshot")
		}
		var snapshot segmentSnapshot
		if err := json.Unmarshal(data, &snapshot); err != nil {
			return nil, errors.Wrapf(err, "decode snapshot %s", name)
		}

		seg := segment.NewMemSegment(params)
		for _, point := range snapshot.Points {
			if err := seg.UpsertPoint(point.Version, point.ID, point.Vectors); err != nil {
				return nil, errors.Wrapf(err, "restore point %s", point.ID.String())
			}
			for key, value := range point.Payload {
				if err := seg.SetPayload(point.Version, point.ID, key, value); err != nil {
					return nil, errors.Wrapf(err, "restore payload of %s", point.ID.String())
				}
			}
		}
		for key, kind := range snapshot.IndexSchema {
			if err := seg.CreateFieldIndex(0, key, kind); err != nil {
				return nil, err
			}
		}
		if !snapshot.Appendable || snapshot.Type == segment.TypeIndexed {
			seg.Seal()
		}
		segments = append(segments, seg)
	}
	return segments, nil
}
