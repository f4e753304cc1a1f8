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

	"github.com/cockroachdb/errors"

	"github.com/vecstore-io/vecstore/internal/segment"
)

// OperationKind enumerates update operations carried by the wal.
type OperationKind int32

const (
	OpUpsert OperationKind = iota + 1
	OpDelete
	OpSetPayload
	OpDeletePayload
	OpClearPayload
	OpCreateIndex
	OpDropIndex
)

func (k OperationKind) String() string {
	switch k {
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	case OpSetPayload:
		return "set_payload"
	case OpDeletePayload:
		return "delete_payload"
	case OpClearPayload:
		return "clear_payload"
	case OpCreateIndex:
		return "create_index"
	case OpDropIndex:
		return "drop_index"
	}
	return "unknown"
}

// PointStruct is one point of an upsert batch.
type PointStruct struct {
	ID      segment.PointID      `json:"id"`
	Vectors segment.NamedVectors `json:"vectors"`
	Payload segment.Payload      `json:"payload,omitempty"`
}

// Operation is the wal payload of one shard update. A tagged union: Kind
// selects which fields are meaningful.
type Operation struct {
	Kind OperationKind `json:"kind"`

	// OpUpsert
	Points []PointStruct `json:"points,omitempty"`

	// OpDelete, OpSetPayload, OpDeletePayload, OpClearPayload
	IDs []segment.PointID `json:"ids,omitempty"`

	// OpSetPayload, OpDeletePayload, OpCreateIndex, OpDropIndex
	Key string `json:"key,omitempty"`

	// OpSetPayload
	Value json.RawMessage `json:"value,omitempty"`

	// OpCreateIndex
	Schema segment.PayloadSchemaType `json:"schema,omitempty"`
}

// Marshal serializes the operation for the wal.
func (op *Operation) Marshal() ([]byte, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, errors.Wrap(err, "marshal operation")
	}
	return data, nil
}

// UnmarshalOperation decodes a wal payload.
func UnmarshalOperation(data []byte) (Operation, error) {
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return Operation{}, errors.Wrap(err, "unmarshal operation")
	}
	if op.Kind < OpUpsert || op.Kind > OpDropIndex {
		return Operation{}, errors.Newf("unknown operation kind %d", op.Kind)
	}
	return op, nil
}

// PointIDs returns the ids the operation touches.
func (op *Operation) PointIDs() []segment.PointID {
	if op.Kind == OpUpsert {
		ids := make([]segment.PointID, 0, len(op.Points))
		for i := range op.Points {
			ids = append(ids, op.Points[i].ID)
		}
		return ids
	}
	return op.IDs
}
