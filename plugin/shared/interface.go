package shared

import (
	"net/rpc"

	"simcse-runner/internal/config"
	"simcse-runner/internal/core"

	"github.com/hashicorp/go-plugin"
)

// Handshake is a common handshake that is shared by the runner and the trainer plugin.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "SIMCSE_TRAINER_PLUGIN",
	MagicCookieValue: "contrastive",
}

const TrainerPluginName = "trainer"

// PluginMap is the map of plugins we can dispense.
var PluginMap = map[string]plugin.Plugin{
	TrainerPluginName: &TrainerPlugin{},
}

// TrainRequest points the plugin at a staged model, tokenizer and datasets.
// The plugin writes the trained parameters back into ModelDir.
type TrainRequest struct {
	ModelDir string
	TrainDir string
	EvalDir  string
	Config   config.RunConfig
	Device   config.Device
}

type TrainResponse struct {
	Report core.TrainingReport
}

type EvaluateResponse struct {
	Metrics core.MetricMap
}

// Trainer is the interface exposed by a trainer plugin.
type Trainer interface {
	Train(req TrainRequest) (TrainResponse, error)
	Evaluate(req TrainRequest) (EvaluateResponse, error)
}

// TrainerPlugin is the go-plugin implementation of Trainer over net/rpc.
type TrainerPlugin struct {
	Impl Trainer
}

func (p *TrainerPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &RPCServer{Impl: p.Impl}, nil
}

func (*TrainerPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c}, nil
}
