package transmit

import (
	"context"
	"sync"

	"github.com/hitrelay/hitrelay/types"
)

// MockTransmission records every send. By default it answers 200 with an
// empty body; set Handler to script other responses or to block.
type MockTransmission struct {
	Handler func(ctx context.Context, params types.Params) (*Response, error)

	mut  sync.Mutex
	sent []types.Params
}

var _ Transmission = (*MockTransmission)(nil)

func (m *MockTransmission) Send(ctx context.Context, params types.Params) (*Response, error) {
	m.mut.Lock()
	m.sent = append(m.sent, params.Clone())
	handler := m.Handler
	m.mut.Unlock()

	if handler != nil {
		return handler(ctx, params)
	}
	return &Response{StatusCode: 200}, nil
}

// Sent returns copies of every parameter set sent so far, oldest first.
func (m *MockTransmission) Sent() []types.Params {
	m.mut.Lock()
	defer m.mut.Unlock()
	out := make([]types.Params, len(m.sent))
	for i, p := range m.sent {
		out[i] = p.Clone()
	}
	return out
}

func (m *MockTransmission) Count() int {
	m.mut.Lock()
	defer m.mut.Unlock()
	return len(m.sent)
}
