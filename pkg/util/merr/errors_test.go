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
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"
)

type ErrSuite struct {
	suite.Suite
}

func (s *ErrSuite) TestCode() {
	err := WrapErrSessionNotFound(1)
	s.ErrorIs(err, ErrSessionNotFound)
	s.Equal(Code(ErrSessionNotFound), Code(err))
	s.Equal(TimeoutCode, Code(context.DeadlineExceeded))
	s.Equal(CanceledCode, Code(context.Canceled))
	s.Equal(errUnexpected.errCode, Code(errUnexpected))
	s.Equal(int32(0), Code(nil))

	sameCodeErr := newRelayError("new error", ErrSessionNotFound.errCode, false)
	s.True(sameCodeErr.Is(ErrSessionNotFound))
}

func (s *ErrSuite) TestWrap() {
	// Auth 相关错误。
	s.ErrorIs(WrapErrAuthTokenMissing("no token query param"), ErrAuthTokenMissing)
	s.ErrorIs(WrapErrAuthTokenMalformed("not a jwt"), ErrAuthTokenMalformed)
	s.ErrorIs(WrapErrAuthSignatureInvalid(), ErrAuthSignatureInvalid)
	s.ErrorIs(WrapErrAuthTokenExpired("handshake"), ErrAuthTokenExpired)

	// Session 相关错误。
	s.ErrorIs(WrapErrSessionNotFound(42, "unicast"), ErrSessionNotFound)
	s.ErrorIs(WrapErrConnectionInactive("sess-1"), ErrConnectionInactive)

	// Frame 相关错误。
	s.ErrorIs(WrapErrFrameDecode("unexpected end of JSON input"), ErrFrameDecode)
	s.ErrorIs(WrapErrDeliveryFailed("sess-1", errors.New("broken pipe")), ErrDeliveryFailed)

	// Core API 相关错误。
	s.ErrorIs(WrapErrParticipantResolve(7, errors.New("timeout")), ErrParticipantResolve)
	s.ErrorIs(WrapErrPresenceUpdate(7, true, errors.New("503")), ErrPresenceUpdate)
	s.ErrorIs(WrapErrUserFetch(7, errors.New("404")), ErrUserFetch)
	s.ErrorIs(WrapErrCoreAPIStatus(500, "/api/chats/7/participants"), ErrCoreAPIStatus)

	// Ingest 相关错误。
	s.ErrorIs(WrapErrIngestRecordMalformed("invalid character"), ErrIngestRecordMalformed)
	s.ErrorIs(WrapErrIngestRecordUnroutable("not-a-number"), ErrIngestRecordUnroutable)
}

func (s *ErrSuite) TestIsRetryable() {
	s.True(IsRetryableErr(ErrParticipantResolve))
	s.True(IsRetryableErr(WrapErrPresenceUpdate(1, false, errors.New("conn refused"))))
	s.False(IsRetryableErr(ErrAuthTokenExpired))
	s.False(IsRetryableErr(errors.New("not a relay error")))
}

func (s *ErrSuite) TestIsAuthErr() {
	s.True(IsAuthErr(WrapErrAuthTokenMissing()))
	s.True(IsAuthErr(errors.Wrap(ErrAuthTokenExpired, "during handshake")))
	s.False(IsAuthErr(ErrFrameDecode))
}

func (s *ErrSuite) TestWrapChain() {
	err := WrapErrFrameDecode("bad json")
	err = errors.Wrap(err, "read loop")
	s.ErrorIs(err, ErrFrameDecode)
	s.Equal(Code(ErrFrameDecode), Code(err))
}

func TestErrors(t *testing.T) {
	suite.Run(t, new(ErrSuite))
}
