package main

import (
	"log/slog"
	"os"

	"simcse-runner/internal/core"
	"simcse-runner/internal/core/checkpoint"
	"simcse-runner/internal/core/tokenizer"
	"simcse-runner/internal/trainer"
	"simcse-runner/plugin/shared"

	"github.com/hashicorp/go-plugin"
)

func main() {
	// stdout carries the plugin handshake, so logs go to stderr where the host collects them.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	server := &trainer.PluginServer{
		LoadModel: func(dir string) (core.Model, error) {
			return checkpoint.LoadEncoder(dir)
		},
		LoadTokenizer: func(dir string) (core.Tokenizer, error) {
			return tokenizer.Load(dir)
		},
		Trainer: trainer.NewContrastive(trainer.Options{}),
	}

	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: shared.Handshake,
		Plugins: map[string]plugin.Plugin{
			shared.TrainerPluginName: &shared.TrainerPlugin{Impl: server},
		},
	})
}
