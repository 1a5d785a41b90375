package bootstrap

import (
	"net/http"

	"github.com/artpar/utter/adapters/tts"
	"github.com/artpar/utter/adapters/tts/modal"
	"github.com/artpar/utter/adapters/tts/qwen"
	"github.com/artpar/utter/config"
	"github.com/artpar/utter/domain/provider"
	"github.com/artpar/utter/domain/task"
	"github.com/artpar/utter/ports"
)

// BuildGateways registers every configured provider. Only the active one
// receives new tasks; the others stay reachable so tasks created before a
// provider switch can still be polled and cancelled.
func BuildGateways(cfg config.ProvidersConfig, m ports.Metrics) (*tts.Registry, error) {
	reg := tts.NewRegistry(cfg.Mode)
	client := &http.Client{}

	mc := cfg.Modal
	if mc.SubmitURL != "" && mc.StatusURL != "" && mc.ResultURL != "" && mc.DesignURL != "" {
		c := modal.New(modal.Config{
			SubmitURL:     mc.SubmitURL,
			StatusURL:     mc.StatusURL,
			ResultURL:     mc.ResultURL,
			CancelURL:     mc.CancelURL,
			DesignURL:     mc.DesignURL,
			Timeout:       mc.Timeout,
			DesignTimeout: mc.DesignTimeout,
		}, client)
		reg.Register(task.TypeGenerate, tts.Instrument(c.Jobs(), m))
		reg.Register(task.TypeDesignPreview, tts.Instrument(c.Designer(), m))
	}

	qc := cfg.Qwen
	if qc.APIKey != "" {
		c := qwen.New(qwen.Config{
			APIKey:            qc.APIKey,
			BaseURL:           qc.BaseURL,
			CloneTargetModel:  qc.CloneModel,
			DesignTargetModel: qc.DesignModel,
			Timeout:           qc.Timeout,
			DownloadTimeout:   qc.DownloadTimeout,
			DownloadRetries:   qc.DownloadRetries,
		}, client)
		reg.Register(task.TypeGenerate, tts.Instrument(c.Synthesizer(), m))
		reg.Register(task.TypeDesignPreview, tts.Instrument(c.Designer(), m))
		reg.RegisterEnroller(provider.Qwen, c)
	}

	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// MaxChars returns the generate text limit of each provider.
func MaxChars(cfg config.ProvidersConfig) map[string]int {
	return map[string]int{
		provider.Modal: cfg.Modal.MaxChars,
		provider.Qwen:  cfg.Qwen.MaxChars,
	}
}
