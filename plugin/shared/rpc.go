package shared

import (
	"net/rpc"
)

// RPCClient is an implementation of Trainer that talks over RPC.
type RPCClient struct{ client *rpc.Client }

func NewRPCClient(client *rpc.Client) *RPCClient {
	return &RPCClient{client: client}
}

func (m *RPCClient) Train(req TrainRequest) (TrainResponse, error) {
	var resp TrainResponse
	err := m.client.Call("Plugin.Train", req, &resp)
	return resp, err
}

func (m *RPCClient) Evaluate(req TrainRequest) (EvaluateResponse, error) {
	var resp EvaluateResponse
	err := m.client.Call("Plugin.Evaluate", req, &resp)
	return resp, err
}

// Here is the RPC server that RPCClient talks to, conforming to
// the requirements of net/rpc
type RPCServer struct {
	// This is the real implementation
	Impl Trainer
}

func (m *RPCServer) Train(req TrainRequest, resp *TrainResponse) error {
	v, err := m.Impl.Train(req)
	*resp = v
	return err
}

func (m *RPCServer) Evaluate(req TrainRequest, resp *EvaluateResponse) error {
	v, err := m.Impl.Evaluate(req)
	*resp = v
	return err
}
