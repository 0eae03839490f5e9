// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blunder

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestValues(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(int(unix.EAGAIN), TryAgainError.Value())
	assert.Equal(int(unix.EDEADLK), DeadlockError.Value())
	assert.Equal(int(unix.EHOSTDOWN), PeerLostError.Value())
	assert.Equal(InvalidArgError, IllegalRequestError)
	assert.Equal(TryAgainError, DroppedError)
	assert.Equal("PeerLostError", PeerLostError.String())
	assert.Equal("FsError(4242)", FsError(4242).String())
}

func TestDefaultErrno(t *testing.T) {
	assert := assert.New(t)

	var err error

	assert.Equal(successErrno, Errno(err))
	assert.True(IsSuccess(err))
	assert.False(IsNotSuccess(err))
	assert.Equal("", ErrorString(err))

	err = fmt.Errorf("This is an ordinary error")
	assert.Equal(failureErrno, Errno(err))
	assert.False(IsSuccess(err))
	assert.True(IsNotSuccess(err))

	err = AddError(err, InvalidArgError)
	assert.Equal(InvalidArgError.Value(), Errno(err))
	assert.Contains(ErrorString(err), "InvalidArgError")
}

func TestAddValue(t *testing.T) {
	assert := assert.New(t)

	var err error

	err = AddError(err, AbortedError)
	assert.True(Is(err, AbortedError))
	assert.False(Is(err, CanceledError))
	assert.True(IsNot(err, InvalidArgError))
	assert.True(IsNotSuccess(err))

	err = fmt.Errorf("This is an ordinary error")
	err = AddError(err, DeadlockError)
	assert.True(Is(err, DeadlockError))

	err = AddError(err, TryAgainError)
	assert.True(Is(err, TryAgainError))
	assert.True(IsNot(err, DeadlockError))
}

func TestNewError(t *testing.T) {
	assert := assert.New(t)

	err := NewError(PeerLostError, "element %d: peer lost", 7)
	assert.True(Is(err, PeerLostError))
	assert.Equal("element 7: peer lost", err.Error())
	assert.NotEqual("", Stacktrace(err))
	assert.Contains(Details(err), "element 7")

	file, line := Location(err)
	assert.Contains(file, "api_test.go")
	assert.NotZero(line)
}
