// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/ledger/internal/types"
)

type orderState struct {
	Total int
}

type orderCreated struct {
	Amount int `json:"amount"`
}

func newOrderRegistry(t *testing.T) *Registry[orderState] {
	t.Helper()
	r := New[orderState]()
	err := r.Register("orders::Created", Registration[orderState]{
		Deserialize: func(payload []byte) (any, error) {
			var e orderCreated
			if err := json.Unmarshal(payload, &e); err != nil {
				return nil, err
			}
			return e, nil
		},
		Apply: func(event any, s *orderState) error {
			s.Total += event.(orderCreated).Amount
			return nil
		},
		IsCritical: true,
	})
	require.NoError(t, err)
	return r
}

func TestApply_DeserializesAndMutatesState(t *testing.T) {
	r := newOrderRegistry(t)
	payload, err := json.Marshal(orderCreated{Amount: 5})
	require.NoError(t, err)

	var s orderState
	err = r.Apply(types.Envelope{EventType: "orders::Created", Payload: payload}, &s)
	require.NoError(t, err)
	require.Equal(t, 5, s.Total)
}

func TestApply_UnknownEventTypeIsFatal(t *testing.T) {
	r := newOrderRegistry(t)
	var s orderState
	err := r.Apply(types.Envelope{EventType: "orders::Nonexistent"}, &s)
	require.ErrorIs(t, err, types.ErrUnknownEventType)
}

func TestRegister_DuplicateEventTypeRejected(t *testing.T) {
	r := newOrderRegistry(t)
	err := r.Register("orders::Created", Registration[orderState]{})
	require.Error(t, err)
}

func TestIsCritical_ReflectsRegistration(t *testing.T) {
	r := newOrderRegistry(t)
	critical, err := r.IsCritical("orders::Created")
	require.NoError(t, err)
	require.True(t, critical)

	_, err = r.IsCritical("orders::Unknown")
	require.ErrorIs(t, err, types.ErrUnknownEventType)
}
