package device

import (
	"net/http"

	"github.com/fortifleet/fortifleet/pkg/engine"
)

// Factory builds FortiOS clients for target snapshots. Clients built by one
// factory share a connection pool.
type Factory struct {
	opts []Option
}

var _ engine.ClientFactory = (*Factory)(nil)

// NewFactory creates a factory applying opts to every client.
func NewFactory(opts ...Option) *Factory {
	tmpl := &Client{insecure: true}
	for _, opt := range opts {
		opt(tmpl)
	}
	if tmpl.httpClient == nil {
		opts = append(opts, WithHTTPClient(&http.Client{Transport: tmpl.transport()}))
	}
	return &Factory{opts: opts}
}

// ClientFor implements engine.ClientFactory.
func (f *Factory) ClientFor(target *engine.Target) (engine.DeviceClient, error) {
	c, err := New(target, f.opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}
