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

// Package segment defines the point data model, the segment contract and the
// in-memory segment implementations used by the shard core.
package segment

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/vecstore-io/vecstore/internal/util/typeutil"
)

// SeqNum is re-exported for brevity inside this package tree.
type SeqNum = typeutil.SeqNum

// PointID identifies a point inside a collection. Either a 64-bit unsigned
// number or a UUID, never both.
type PointID struct {
	num    uint64
	uid    uuid.UUID
	isUUID bool
}

// NewNumID builds a numeric point id.
func NewNumID(n uint64) PointID {
	return PointID{num: n}
}

// NewUUIDID builds a uuid point id.
func NewUUIDID(u uuid.UUID) PointID {
	return PointID{uid: u, isUUID: true}
}

// IsUUID reports whether the id carries a uuid.
func (p PointID) IsUUID() bool { return p.isUUID }

// Num returns the numeric value, valid only when !IsUUID().
func (p PointID) Num() uint64 { return p.num }

// Compare orders ids: numeric ids sort before uuid ids, numeric by value,
// uuid bytewise. The ordering is total so scroll pagination is stable.
func (p PointID) Compare(other PointID) int {
	if p.isUUID != other.isUUID {
		if !p.isUUID {
			return -1
		}
		return 1
	}
	if p.isUUID {
		return bytes.Compare(p.uid[:], other.uid[:])
	}
	switch {
	case p.num < other.num:
		return -1
	case p.num > other.num:
		return 1
	}
	return 0
}

// Less reports whether p sorts before other.
func (p PointID) Less(other PointID) bool { return p.Compare(other) < 0 }

func (p PointID) String() string {
	if p.isUUID {
		return p.uid.String()
	}
	return fmt.Sprintf("%d", p.num)
}

// Bytes returns a stable byte rendering used for bloom filter keys.
func (p PointID) Bytes() []byte {
	if p.isUUID {
		return p.uid[:]
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, p.num)
	return buf
}

// MarshalJSON renders a numeric id as a JSON number and a uuid as a string.
func (p PointID) MarshalJSON() ([]byte, error) {
	if p.isUUID {
		return json.Marshal(p.uid.String())
	}
	return json.Marshal(p.num)
}

// UnmarshalJSON accepts a JSON number or a uuid string.
func (p *PointID) UnmarshalJSON(data []byte) error {
	var n uint64
	if err := json.Unmarshal(data, &n); err == nil {
		*p = NewNumID(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "point id is neither number nor string")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return errors.Wrapf(err, "point id %q is not a uuid", s)
	}
	*p = NewUUIDID(u)
	return nil
}

// Vector is a dense single-precision vector.
type Vector = []float32

// NamedVectors maps vector name to its data for one point.
type NamedVectors = map[string]Vector

// Payload is a schemaless JSON-like map attached to a point. Values are kept
// as raw JSON so filters can be evaluated without a fixed schema.
type Payload = map[string]json.RawMessage

// ScoredPoint is one search hit.
type ScoredPoint struct {
	ID      PointID
	Version SeqNum
	Score   float32
	Payload Payload
	Vectors NamedVectors
}

// Record is one retrieved point.
type Record struct {
	ID      PointID
	Version SeqNum
	Payload Payload
	Vectors NamedVectors
}

// Type classifies segments.
type Type int32

const (
	// TypePlain is an appendable, unindexed segment.
	TypePlain Type = 1
	// TypeIndexed is a sealed segment built by the optimizer.
	TypeIndexed Type = 2
	// TypeSpecial marks the proxy overlay used during optimization.
	TypeSpecial Type = 3
)

func (t Type) String() string {
	switch t {
	case TypePlain:
		return "plain"
	case TypeIndexed:
		return "indexed"
	case TypeSpecial:
		return "special"
	}
	return "unknown"
}

// PayloadSchemaType describes a payload field index.
type PayloadSchemaType string

const (
	PayloadSchemaKeyword PayloadSchemaType = "keyword"
	PayloadSchemaInteger PayloadSchemaType = "integer"
	PayloadSchemaFloat   PayloadSchemaType = "float"
)

// Info is the observable state of one segment.
type Info struct {
	Type        Type
	NumPoints   int
	NumVectors  int
	IndexSchema map[string]PayloadSchemaType
}

// CardinalityEstimate is the segment's estimation of how many points match a
// filter.
type CardinalityEstimate struct {
	Exp int
	Min int
	Max int
}

// VectorParams describes one named vector space of a collection.
type VectorParams struct {
	Dim      int
	Distance Distance
}

// CollectionParams is the collection-level vector configuration. All segments
// of one shard share it, which is what makes merging on raw scores legal.
type CollectionParams struct {
	Vectors map[string]VectorParams
}

// VectorParamsFor resolves the params of a named vector.
func (c CollectionParams) VectorParamsFor(name string) (VectorParams, error) {
	params, ok := c.Vectors[name]
	if !ok {
		return VectorParams{}, errors.Newf("unknown vector name %q", name)
	}
	return params, nil
}
