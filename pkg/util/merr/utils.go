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
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

// Code 返回给定错误对应的错误码。
func Code(err error) int32 {
	if err == nil {
		return 0
	}

	cause := errors.Cause(err)
	switch specificErr := cause.(type) {
	case relayError:
		return specificErr.code()

	default:
		if errors.Is(specificErr, context.Canceled) {
			return CanceledCode
		} else if errors.Is(specificErr, context.DeadlineExceeded) {
			return TimeoutCode
		} else {
			return errUnexpected.code()
		}
	}
}

// IsRetryableErr 判断错误是否可重试。
func IsRetryableErr(err error) bool {
	if err, ok := errors.Cause(err).(relayError); ok {
		return err.retriable
	}
	return false
}

// IsCanceledOrTimeout 判断错误是否由取消或超时引起。
func IsCanceledOrTimeout(err error) bool {
	return errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}

// IsAuthErr 判断错误是否属于认证类错误。
func IsAuthErr(err error) bool {
	return lo.SomeBy([]relayError{
		ErrAuthTokenMissing,
		ErrAuthTokenMalformed,
		ErrAuthSignatureInvalid,
		ErrAuthTokenExpired,
	}, func(leaf relayError) bool {
		return errors.Is(err, leaf)
	})
}

type errorField interface {
	String() string
}

type valueField struct {
	name  string
	value any
}

func value(name string, v any) valueField {
	return valueField{name: name, value: v}
}

func (f valueField) String() string {
	return fmt.Sprintf("%s=%v", f.name, f.value)
}

func wrapFields(err relayError, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.detail = err.msg
	return err
}

func wrapFieldsWithDesc(err relayError, desc string, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.msg += ": " + desc
	err.detail = err.msg
	return err
}

// Auth related

func WrapErrAuthTokenMissing(msg ...string) error {
	err := error(ErrAuthTokenMissing)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrAuthTokenMalformed(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrAuthTokenMalformed, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrAuthSignatureInvalid(msg ...string) error {
	err := error(ErrAuthSignatureInvalid)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrAuthTokenExpired(msg ...string) error {
	err := error(ErrAuthTokenExpired)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Session related

func WrapErrSessionNotFound(userID int64, msg ...string) error {
	err := wrapFields(ErrSessionNotFound, value("userID", userID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrConnectionInactive(sessionID string, msg ...string) error {
	err := wrapFields(ErrConnectionInactive, value("sessionID", sessionID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Frame related

func WrapErrFrameDecode(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrFrameDecode, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrDeliveryFailed(sessionID string, cause error, msg ...string) error {
	err := wrapFieldsWithDesc(ErrDeliveryFailed, cause.Error(), value("sessionID", sessionID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Core API related

func WrapErrParticipantResolve(chatID int64, cause error, msg ...string) error {
	err := wrapFieldsWithDesc(ErrParticipantResolve, cause.Error(), value("chatID", chatID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrPresenceUpdate(userID int64, online bool, cause error, msg ...string) error {
	err := wrapFieldsWithDesc(ErrPresenceUpdate, cause.Error(),
		value("userID", userID),
		value("online", online),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrUserFetch(userID int64, cause error, msg ...string) error {
	err := wrapFieldsWithDesc(ErrUserFetch, cause.Error(), value("userID", userID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrCoreAPIStatus(status int, url string, msg ...string) error {
	err := wrapFields(ErrCoreAPIStatus,
		value("status", status),
		value("url", url),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Ingest related

func WrapErrIngestRecordMalformed(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrIngestRecordMalformed, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrIngestRecordUnroutable(key string, msg ...string) error {
	err := wrapFields(ErrIngestRecordUnroutable, value("key", key))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrIngestStopped(topic string, msg ...string) error {
	err := wrapFields(ErrIngestStopped, value("topic", topic))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}
