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
	"github.com/tidwall/gjson"
)

// Match matches a payload value against a keyword or integer. A payload value
// holding an array matches when any element matches.
type Match struct {
	Keyword string `json:"keyword,omitempty"`
	Integer *int64 `json:"integer,omitempty"`
}

// RangeCondition matches numeric payload values against open/closed bounds.
type RangeCondition struct {
	GT  *float64 `json:"gt,omitempty"`
	GTE *float64 `json:"gte,omitempty"`
	LT  *float64 `json:"lt,omitempty"`
	LTE *float64 `json:"lte,omitempty"`
}

// Condition is a single clause of a filter. Exactly one of Match, Range or
// HasID is set.
type Condition struct {
	Key   string          `json:"key,omitempty"`
	Match *Match          `json:"match,omitempty"`
	Range *RangeCondition `json:"range,omitempty"`
	HasID []PointID       `json:"has_id,omitempty"`
}

// Filter selects points by payload values and ids. Must clauses all hold,
// MustNot clauses all fail, Should is satisfied by at least one clause when
// present.
type Filter struct {
	Must    []Condition `json:"must,omitempty"`
	Should  []Condition `json:"should,omitempty"`
	MustNot []Condition `json:"must_not,omitempty"`
}

// Check evaluates the filter against one point. A nil filter matches
// everything.
func (f *Filter) Check(id PointID, payload Payload) bool {
	if f == nil {
		return true
	}
	for i := range f.Must {
		if !f.Must[i].check(id, payload) {
			return false
		}
	}
	for i := range f.MustNot {
		if f.MustNot[i].check(id, payload) {
			return false
		}
	}
	if len(f.Should) > 0 {
		satisfied := false
		for i := range f.Should {
			if f.Should[i].check(id, payload) {
				satisfied = true
				break
			}
		}
		if !satisfied {
			return false
		}
	}
	return true
}

func (c *Condition) check(id PointID, payload Payload) bool {
	if len(c.HasID) > 0 {
		for _, candidate := range c.HasID {
			if candidate.Compare(id) == 0 {
				return true
			}
		}
		return false
	}
	raw, ok := payload[c.Key]
	if !ok {
		return false
	}
	value := gjson.ParseBytes(raw)
	switch {
	case c.Match != nil:
		return matchValue(value, c.Match)
	case c.Range != nil:
		return rangeValue(value, c.Range)
	}
	return false
}

func matchValue(value gjson.Result, m *Match) bool {
	if value.IsArray() {
		matched := false
		value.ForEach(func(_, elem gjson.Result) bool {
			if matchScalar(elem, m) {
				matched = true
				return false
			}
			return true
		})
		return matched
	}
	return matchScalar(value, m)
}

func matchScalar(value gjson.Result, m *Match) bool {
	if m.Integer != nil {
		return value.Type == gjson.Number && value.Int() == *m.Integer
	}
	return value.Type == gjson.String && value.Str == m.Keyword
}

func rangeValue(value gjson.Result, r *RangeCondition) bool {
	if value.Type != gjson.Number {
		return false
	}
	v := value.Float()
	if r.GT != nil && !(v > *r.GT) {
		return false
	}
	if r.GTE != nil && !(v >= *r.GTE) {
		return false
	}
	if r.LT != nil && !(v < *r.LT) {
		return false
	}
	if r.LTE != nil && !(v <= *r.LTE) {
		return false
	}
	return true
}
