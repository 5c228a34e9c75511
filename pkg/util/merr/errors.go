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

package merr

import (
	"github.com/cockroachdb/errors"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

// Define leaf errors here,
// WARN: take care to add new error,
// check whether you can use the errors below before adding a new one.
// Name: Err + related prefix + error name
var (
	// Auth related
	ErrAuthTokenMissing     = newRelayError("auth token missing", 100, false)
	ErrAuthTokenMalformed   = newRelayError("auth token malformed", 101, false)
	ErrAuthSignatureInvalid = newRelayError("auth token signature invalid", 102, false)
	ErrAuthTokenExpired     = newRelayError("auth token expired", 103, false)
	ErrAuthAlreadyDone      = newRelayError("connection already authenticated", 104, false)

	// Session related
	ErrSessionNotFound    = newRelayError("session not found", 200, false)
	ErrConnectionInactive = newRelayError("connection not active", 201, false)

	// Frame related
	ErrFrameDecode    = newRelayError("frame decode failed", 300, false)
	ErrFrameEncode    = newRelayError("frame encode failed", 301, false)
	ErrDeliveryFailed = newRelayError("frame delivery failed", 302, false)

	// Core API related
	ErrParticipantResolve = newRelayError("participant resolution failed", 400, true)
	ErrPresenceUpdate     = newRelayError("presence update failed", 401, true)
	ErrUserFetch          = newRelayError("user fetch failed", 402, true)
	ErrCoreAPIStatus      = newRelayError("core api returned non-2xx status", 403, true)

	// Ingest related
	ErrIngestRecordMalformed  = newRelayError("ingest record malformed", 500, false)
	ErrIngestRecordUnroutable = newRelayError("ingest record unroutable, no chat id", 501, false)
	ErrIngestStopped          = newRelayError("ingest consumer stopped", 502, false)

	// never allow programmer using this, keep only for converting unknown error to relayError
	errUnexpected = newRelayError("unexpected error", 1001, false)
)

type relayError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
}

func newRelayError(msg string, code int32, retriable bool) relayError {
	return relayError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
	}
}

func (e relayError) code() int32 {
	return e.errCode
}

func (e relayError) Error() string {
	return e.msg
}

func (e relayError) Detail() string {
	return e.detail
}

func (e relayError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(relayError); ok {
		return e.errCode == cause.errCode
	}
	return false
}
