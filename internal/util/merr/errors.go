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

// Package merr classifies the error kinds surfaced by the shard core.
package merr

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound marks lookups of unknown points, segments or payload keys.
	ErrNotFound = errors.New("not found")

	// ErrBadInput marks malformed requests: wrong vector dimension, unknown
	// vector name, invalid filter.
	ErrBadInput = errors.New("bad input")

	// ErrBackPressure is returned when the update queue refuses admission.
	ErrBackPressure = errors.New("update queue is full")

	// ErrWalIO marks a write-ahead-log write or fsync failure. Fatal for the
	// request, the shard is marked red.
	ErrWalIO = errors.New("wal io failure")

	// ErrService marks internal invariant violations.
	ErrService = errors.New("service error")

	// ErrCancelled is returned when the caller context is done before the
	// request finished.
	ErrCancelled = errors.New("cancelled")
)

// WrapErrPointNotFound wraps ErrNotFound with the point id rendered into the
// message.
func WrapErrPointNotFound(id interface{ String() string }) error {
	return errors.Wrapf(ErrNotFound, "point %s", id.String())
}

// WrapErrSegmentNotFound wraps ErrNotFound for an unknown segment id.
func WrapErrSegmentNotFound(segmentID uint64) error {
	return errors.Wrapf(ErrNotFound, "segment %d", segmentID)
}

// WrapErrVectorName wraps ErrBadInput for an unknown named vector.
func WrapErrVectorName(name string) error {
	return errors.Wrapf(ErrBadInput, "unknown vector name %q", name)
}

// WrapErrDimMismatch wraps ErrBadInput for a dimension mismatch.
func WrapErrDimMismatch(got, want int) error {
	return errors.Wrapf(ErrBadInput, "vector dim %d, expected %d", got, want)
}

// IsNotFound reports whether err is of the NotFound kind.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsBadInput reports whether err is of the BadInput kind.
func IsBadInput(err error) bool {
	return errors.Is(err, ErrBadInput)
}

// IsWalIO reports whether err is of the WalIo kind.
func IsWalIO(err error) bool {
	return errors.Is(err, ErrWalIO)
}
