// Package proxyclient is the CLI side of the tunnel: it mirrors the
// proxy's codec and crypto pipeline, sealing a request descriptor into a
// framed envelope and opening the sealed response.
package proxyclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"cloak-proxy/internal/model"
	"cloak-proxy/internal/seal"
	"cloak-proxy/internal/wire"
)

// ErrProxyFault marks a response that reports a proxy-level forwarding
// failure rather than an upstream response. Upstream HTTP errors (4xx/5xx)
// are NOT proxy faults; they return a normal descriptor.
var ErrProxyFault = errors.New("proxy fault")

// DefaultExchangeTimeout bounds one full round trip when the caller's
// context carries no deadline.
const DefaultExchangeTimeout = 150 * time.Second

// Client sends request descriptors through the tunnel. Safe for
// concurrent use; each exchange opens its own connection.
type Client struct {
	addr            string
	engine          *seal.Engine
	codec           wire.Codec
	exchangeTimeout time.Duration
}

// New creates a Client for the proxy at addr (host:port) using the given
// 32-byte pre-shared key.
func New(addr string, key []byte) (*Client, error) {
	engine, err := seal.New(key)
	if err != nil {
		return nil, err
	}
	return &Client{
		addr:            addr,
		engine:          engine,
		codec:           wire.NewCodec(0),
		exchangeTimeout: DefaultExchangeTimeout,
	}, nil
}

// Do runs one exchange: dial, seal and send the request, read and open the
// response. The context bounds the whole exchange; without a deadline,
// DefaultExchangeTimeout applies.
func (c *Client) Do(ctx context.Context, rd *model.RequestDescriptor) (*model.ResponseDescriptor, error) {
	if err := rd.Validate(); err != nil {
		return nil, fmt.Errorf("proxyclient: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.exchangeTimeout)
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("proxyclient: dial %s: %w", c.addr, err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(deadline)

	plaintext, err := wire.MarshalRequest(rd)
	if err != nil {
		return nil, fmt.Errorf("proxyclient: %w", err)
	}
	sealed, err := c.engine.Seal(plaintext)
	if err != nil {
		return nil, fmt.Errorf("proxyclient: %w", err)
	}
	if err := c.codec.WriteFrame(conn, &wire.Envelope{
		Destination: c.addr,
		Payload:     sealed,
	}); err != nil {
		return nil, fmt.Errorf("proxyclient: send request: %w", err)
	}

	envelope, err := c.codec.ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("proxyclient: read response: %w", err)
	}
	responsePlaintext, err := c.engine.Open(envelope.Payload)
	if err != nil {
		return nil, fmt.Errorf("proxyclient: %w", err)
	}
	response, err := wire.UnmarshalResponse(responsePlaintext)
	if err != nil {
		return nil, fmt.Errorf("proxyclient: %w", err)
	}

	if response.IsProxyFault() {
		return response, fmt.Errorf("%w: %s", ErrProxyFault, response.ProxyError)
	}
	return response, nil
}
