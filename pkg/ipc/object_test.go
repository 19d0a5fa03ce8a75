package ipc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/baaaht/ipcserver/pkg/types"
)

// stubObject runs fn for every dispatch and counts calls
type stubObject struct {
	fn         func(msg *Message, requestID uint32) error
	dispatches int
	closes     int
}

func (o *stubObject) Dispatch(msg *Message, requestID uint32) error {
	o.dispatches++
	if o.fn == nil {
		return nil
	}
	return o.fn(msg, requestID)
}

func (o *stubObject) Close() error {
	o.closes++
	return nil
}

func TestDispatchShim(t *testing.T) {
	code0x205 := types.MakeResultCode(5, 1)
	plain := errors.New("plain failure")

	tests := []struct {
		name     string
		fn       func(msg *Message, requestID uint32) error
		wantCode types.ResultCode
	}{
		{
			name:     "success",
			fn:       func(*Message, uint32) error { return nil },
			wantCode: types.ResultOK,
		},
		{
			name:     "explicit ok code",
			fn:       func(*Message, uint32) error { return types.ResultOK },
			wantCode: types.ResultOK,
		},
		{
			name:     "returned coded error",
			fn:       func(*Message, uint32) error { return types.NewError(types.ErrCodeUnknownRequest, "nope") },
			wantCode: types.ErrCodeUnknownRequest,
		},
		{
			name: "wrapped coded error",
			fn: func(*Message, uint32) error {
				return errors.Join(plain, types.WrapError(code0x205, "inner", plain))
			},
			wantCode: code0x205,
		},
		{
			name:     "uncoded error",
			fn:       func(*Message, uint32) error { return plain },
			wantCode: types.ErrCodeInternal,
		},
		{
			name: "raised code",
			fn: func(*Message, uint32) error {
				types.Raise(code0x205)
				return nil
			},
			wantCode: code0x205,
		},
		{
			name: "raised uncoded error",
			fn: func(*Message, uint32) error {
				types.Raise(plain)
				return nil
			},
			wantCode: types.ErrCodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj := &stubObject{fn: tt.fn}
			var (
				code types.ResultCode
				err  error
			)
			require.NotPanics(t, func() {
				code, err = dispatchShim(obj, &Message{}, 1)
			})
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantCode.IsOk(), err == nil || types.CodeOf(err).IsOk())
			assert.Equal(t, 1, obj.dispatches)
		})
	}
}

func TestDispatchShimRaisedCodeIs0x205(t *testing.T) {
	obj := &stubObject{fn: func(*Message, uint32) error {
		types.Raise(types.NewError(types.MakeResultCode(5, 1), "internal failure"))
		return nil
	}}

	code, err := dispatchShim(obj, &Message{}, 9)
	assert.Equal(t, "0x205", code.String())
	assert.Contains(t, err.Error(), "internal failure")
}

func TestDispatchShimRepanicsUncodedValues(t *testing.T) {
	obj := &stubObject{fn: func(*Message, uint32) error {
		panic("bug")
	}}
	assert.PanicsWithValue(t, "bug", func() {
		_, _ = dispatchShim(obj, &Message{}, 1)
	})
}

func TestMessageAccessors(t *testing.T) {
	tf := NewTransactionFormat(Format{})
	require.NoError(t, tf.Prepare())
	tf.rqPID = 77

	msg := &Message{session: 3, requestID: 4, tf: tf}
	assert.Nil(t, msg.Server())
	assert.Equal(t, "0x3", msg.Session().String())
	assert.Equal(t, uint32(4), msg.RequestID())
	assert.Same(t, tf, msg.Transaction())
	assert.Equal(t, uint64(77), msg.PID())
}
