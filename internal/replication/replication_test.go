package replication

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/ledger/internal/eventstore"
	"github.com/dreamsxin/ledger/internal/registry"
	"github.com/dreamsxin/ledger/internal/writer"
)

func strReader(s string) io.Reader { return strings.NewReader(s) }

func decodeBody(resp *http.Response, v any) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}

type counterState struct {
	Total int
}

func (c counterState) Clone() counterState { return counterState{Total: c.Total} }

type incremented struct {
	Amount int `json:"amount"`
}

func newCounterRegistry() *registry.Registry[counterState] {
	r := registry.New[counterState]()
	_ = r.Register("counter::Inc", registry.Registration[counterState]{
		Deserialize: func(p []byte) (any, error) {
			var e incremented
			err := json.Unmarshal(p, &e)
			return e, err
		},
		Apply: func(event any, s *counterState) error {
			s.Total += event.(incremented).Amount
			return nil
		},
		IsCritical: true,
	})
	return r
}

func openCounterStore(t *testing.T) *eventstore.Store[counterState] {
	t.Helper()
	dir := t.TempDir()
	reg := newCounterRegistry()
	serialize := func(c counterState) ([]byte, error) { return json.Marshal(c) }
	deserialize := func(data []byte) (counterState, error) {
		var c counterState
		err := json.Unmarshal(data, &c)
		return c, err
	}
	opts := eventstore.Options{Writer: writer.Options{MaxBufferedEvents: 1}}
	s, err := eventstore.Open[counterState](dir, reg, counterState{}, serialize, deserialize, opts, nil)
	require.NoError(t, err)
	return s
}

func incPayload(t *testing.T, amount int) []byte {
	t.Helper()
	data, err := json.Marshal(incremented{Amount: amount})
	require.NoError(t, err)
	return data
}
