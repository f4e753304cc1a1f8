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

package segment

import (
	"context"
	"encoding/json"
)

// SearchOptions selects which parts of a point a read returns.
type SearchOptions struct {
	WithPayload bool
	WithVector  bool
}

// Segment is the indexed store the shard core operates on. Implementations
// are not required to be goroutine safe; the shard guards every segment with
// a reader/writer lock.
//
// All mutations carry the wal sequence number that caused them. A mutation
// whose seq is not newer than the point's current version must be applied
// anyway by the segment; the caller (the update handler) performs the
// stale-version check so that wal replay stays idempotent.
type Segment interface {
	// UpsertPoint inserts or replaces the vectors of a point.
	UpsertPoint(opNum SeqNum, id PointID, vectors NamedVectors) error
	// DeletePoint removes a point, reporting whether it existed.
	DeletePoint(opNum SeqNum, id PointID) (bool, error)
	// SetPayload sets one payload key of a point.
	SetPayload(opNum SeqNum, id PointID, key string, value json.RawMessage) error
	// DeletePayload removes one payload key of a point.
	DeletePayload(opNum SeqNum, id PointID, key string) error
	// ClearPayload removes the whole payload of a point.
	ClearPayload(opNum SeqNum, id PointID) error
	// CreateFieldIndex declares a payload field index.
	CreateFieldIndex(opNum SeqNum, key string, schema PayloadSchemaType) error
	// DropFieldIndex removes a payload field index.
	DropFieldIndex(opNum SeqNum, key string) error

	// Search returns up to top hits sorted descending by raw score.
	Search(ctx context.Context, vectorName string, vector Vector, filter *Filter, opts SearchOptions, top int) ([]ScoredPoint, error)
	// ReadFiltered returns up to limit matching ids in ascending id order,
	// starting at offset when non-nil.
	ReadFiltered(offset *PointID, limit int, filter *Filter) []PointID
	// EstimateCardinality estimates how many points match the filter.
	EstimateCardinality(filter *Filter) CardinalityEstimate
	// Retrieve returns one point, or ok=false when absent.
	Retrieve(id PointID, opts SearchOptions) (Record, bool)
	// HasPoint reports whether the segment holds a live copy of id.
	HasPoint(id PointID) bool
	// PointVersion returns the current version of id.
	PointVersion(id PointID) (SeqNum, bool)

	// Info reports the segment's observable state.
	Info() Info
	// IsAppendable reports whether the segment accepts new ids.
	IsAppendable() bool
	// Flush persists pending state and returns the highest durably applied
	// sequence number.
	Flush() (SeqNum, error)
	// Version returns the highest sequence number applied to this segment.
	Version() SeqNum
}
