package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML form of Arguments. Flags given on the command line
// take precedence over values from the file.
type fileConfig struct {
	Image    string `yaml:"image"`
	Width    int    `yaml:"width"`
	Height   int    `yaml:"height"`
	FPS      int    `yaml:"fps"`
	MaxRate  bool   `yaml:"max_rate"`
	Overlay  string `yaml:"overlay"`
	Codec    string `yaml:"codec"`
	Out      string `yaml:"out"`
	Duration string `yaml:"duration"`
	WebRTC   bool   `yaml:"webrtc"`
	Compress bool   `yaml:"compress"`
}

func loadConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse config %q", path)
	}
	return cfg, nil
}

// applyFileConfig fills in every argument left unset on the command line.
func (args *Arguments) applyFileConfig(cfg fileConfig) {
	if args.Image == "" {
		args.Image = cfg.Image
	}
	if args.Width == 0 && args.Height == 0 {
		args.Width, args.Height = cfg.Width, cfg.Height
	}
	if args.FPS == 0 {
		args.FPS = cfg.FPS
	}
	args.MaxRate = args.MaxRate || cfg.MaxRate
	if args.Overlay == "" {
		args.Overlay = cfg.Overlay
	}
	if args.Codec == "" {
		args.Codec = cfg.Codec
	}
	if args.Out == "" {
		args.Out = cfg.Out
	}
	if args.Duration == "" {
		args.Duration = cfg.Duration
	}
	args.WebRTC = args.WebRTC || cfg.WebRTC
	args.Compress = args.Compress || cfg.Compress
}
