package feed

import (
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/stratosfi/perpfeed/internal/proxy"
)

// NewRPCClient builds the chain RPC client, routing it through a CONNECT
// tunnel when a forward proxy is configured explicitly or via the
// environment.
func NewRPCClient(endpoint, proxyURL string, timeout time.Duration, factory *proxy.Factory) (*rpc.Client, error) {
	if factory == nil {
		factory = proxy.NewFactory()
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	httpClient, err := factory.Client(proxyURL, timeout)
	if err != nil {
		return nil, fmt.Errorf("build rpc transport: %w", err)
	}
	return rpc.NewWithCustomRPCClient(jsonrpc.NewClientWithOpts(endpoint, &jsonrpc.RPCClientOpts{
		HTTPClient: httpClient,
	})), nil
}
