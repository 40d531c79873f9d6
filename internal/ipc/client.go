package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Start requests the daemon to start processing.
func (c *Client) Start() (*StartResponse, error) {
	var resp StartResponse
	if err := c.client.Call("Loom.Start", StartRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop requests the daemon to stop processing.
func (c *Client) Stop() (*StopResponse, error) {
	var resp StopResponse
	if err := c.client.Call("Loom.Stop", StopRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.client.Call("Loom.Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ingest registers a new asset and starts its pipeline.
func (c *Client) Ingest(req IngestRequest) (*IngestResponse, error) {
	var resp IngestResponse
	if err := c.client.Call("Loom.Ingest", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Execute runs one capability invocation via the daemon.
func (c *Client) Execute(req ExecuteRequest) (*ExecuteResponse, error) {
	var resp ExecuteResponse
	if err := c.client.Call("Loom.Execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AssetStatus retrieves the lifecycle and stage states for an asset.
func (c *Client) AssetStatus(assetID string) (*AssetStatusResponse, error) {
	var resp AssetStatusResponse
	if err := c.client.Call("Loom.AssetStatus", AssetStatusRequest{AssetID: assetID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Results reads persisted results for an asset.
func (c *Client) Results(req ResultsRequest) (*ResultsResponse, error) {
	var resp ResultsResponse
	if err := c.client.Call("Loom.Results", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CacheStats retrieves cache counters.
func (c *Client) CacheStats() (*CacheStatsResponse, error) {
	var resp CacheStatsResponse
	if err := c.client.Call("Loom.CacheStats", CacheStatsRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reprocess resets a failed stage for re-execution.
func (c *Client) Reprocess(assetID, stage string) (*ReprocessResponse, error) {
	var resp ReprocessResponse
	if err := c.client.Call("Loom.Reprocess", ReprocessRequest{AssetID: assetID, Stage: stage}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
