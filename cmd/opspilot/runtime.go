// Package main provides runtime wiring for the opspilot commands.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/telemetry"

	"github.com/opspilot-ai/opspilot/internal/analyzer"
	"github.com/opspilot-ai/opspilot/internal/broadcast"
	"github.com/opspilot-ai/opspilot/internal/capability"
	"github.com/opspilot-ai/opspilot/internal/checkpoint"
	"github.com/opspilot-ai/opspilot/internal/config"
	"github.com/opspilot-ai/opspilot/internal/engine"
	"github.com/opspilot-ai/opspilot/internal/planner"
	"github.com/opspilot-ai/opspilot/internal/reasoning"
	"github.com/opspilot-ai/opspilot/internal/record"
	"github.com/opspilot-ai/opspilot/internal/revision"
)

const reasoningSystemPrompt = `You are the planning assistant inside a business task automation engine.
Answer with compact JSON only, no prose.`

// runtime assembles the engine manager and its collaborators from config.
type runtime struct {
	cfg *config.Config

	// Components
	reason      reasoning.Engine
	registry    *capability.Registry
	checkpoints *checkpoint.FileStore
	bcast       *broadcast.Broadcaster
	recordLog   record.Log
	telem       telemetry.Exporter
	mgr         *engine.Manager

	// Storage
	storagePath string

	// Cleanup
	closers []func()
}

// newRuntime loads configuration and resolves the storage path.
func newRuntime(configPath string) (*runtime, error) {
	var cfg *config.Config
	var err error
	switch {
	case configPath != "":
		cfg, err = config.LoadFile(configPath)
	default:
		cfg, err = config.LoadDefault()
		if err != nil && os.IsNotExist(unwrapPathError(err)) {
			cfg, err = config.Default(), nil
		}
	}
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg}
	rt.storagePath, err = cfg.StoragePath()
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// unwrapPathError digs out the os error from config load failures.
func unwrapPathError(err error) error {
	for {
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		inner := u.Unwrap()
		if inner == nil {
			return err
		}
		err = inner
	}
}

// setup initializes all runtime components. Returns error on failure.
func (rt *runtime) setup() error {
	if err := os.MkdirAll(rt.storagePath, 0755); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}

	if err := rt.setupTelemetry(); err != nil {
		return err
	}
	rt.createReasoning()
	if err := rt.setupRegistry(); err != nil {
		return err
	}
	if err := rt.setupCheckpoints(); err != nil {
		return err
	}
	if err := rt.setupBroadcast(); err != nil {
		return err
	}
	if err := rt.setupRecord(); err != nil {
		return err
	}
	rt.createManager()
	return nil
}

// setupTelemetry creates the telemetry exporter.
func (rt *runtime) setupTelemetry() error {
	var err error
	if rt.cfg.Telemetry.Enabled {
		rt.telem, err = telemetry.NewExporter(rt.cfg.Telemetry.Protocol, rt.cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("creating telemetry exporter: %w", err)
		}
	} else {
		rt.telem = telemetry.NewNoopExporter()
	}
	rt.addCloser(func() { rt.telem.Close() })
	return nil
}

// createReasoning creates the LLM-backed reasoning engine, or the disabled
// stand-in when no model is configured. Analysis and planning degrade to
// heuristics in that case.
func (rt *runtime) createReasoning() {
	if rt.cfg.LLM.Model == "" {
		rt.reason = reasoning.Disabled{}
		return
	}

	providerName := rt.cfg.LLM.Provider
	if providerName == "" {
		providerName = llm.InferProviderFromModel(rt.cfg.LLM.Model)
	}

	apiKey := rt.cfg.GetAPIKey()
	if apiKey == "" && globalCreds != nil {
		apiKey = globalCreds.GetAPIKey(providerName)
	}

	provider, err := llm.NewProvider(llm.ProviderConfig{
		Provider:  providerName,
		Model:     rt.cfg.LLM.Model,
		APIKey:    apiKey,
		MaxTokens: rt.cfg.LLM.MaxTokens,
		BaseURL:   rt.cfg.LLM.BaseURL,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: reasoning unavailable (%v), using heuristics\n", err)
		rt.reason = reasoning.Disabled{}
		return
	}
	rt.reason = reasoning.NewProvider(provider, reasoningSystemPrompt,
		config.Duration(rt.cfg.LLM.Timeout, reasoning.DefaultTimeout))
}

// setupRegistry registers the built-in capabilities and any extra vocabulary.
func (rt *runtime) setupRegistry() error {
	rt.registry = capability.NewRegistry()
	if err := capability.RegisterBuiltins(rt.registry); err != nil {
		return fmt.Errorf("registering capabilities: %w", err)
	}
	if path := rt.cfg.Revision.VocabularyPath; path != "" {
		if err := rt.registry.LoadVocabulary(path); err != nil {
			return fmt.Errorf("loading vocabulary: %w", err)
		}
	}
	return nil
}

// setupCheckpoints creates the file-backed checkpoint store.
func (rt *runtime) setupCheckpoints() error {
	var err error
	rt.checkpoints, err = checkpoint.NewFileStore(filepath.Join(rt.storagePath, "checkpoints"))
	if err != nil {
		return fmt.Errorf("creating checkpoint store: %w", err)
	}
	return nil
}

// setupBroadcast creates the progress broadcaster, with an optional NATS
// mirror for external observers.
func (rt *runtime) setupBroadcast() error {
	opts := []broadcast.Option{broadcast.WithBufferSize(rt.cfg.Broadcast.BufferSize)}

	if rt.cfg.Broadcast.NATS.Enabled {
		bridge, err := broadcast.NewNATSBridge(rt.cfg.Broadcast.NATS.URL)
		if err != nil {
			return fmt.Errorf("connecting NATS mirror: %w", err)
		}
		opts = append(opts, broadcast.WithMirror(bridge.Mirror))
		rt.addCloser(bridge.Close)
	}

	rt.bcast = broadcast.New(opts...)
	return nil
}

// setupRecord creates the external read model backend.
func (rt *runtime) setupRecord() error {
	switch rt.cfg.Record.Backend {
	case "", "file":
		dir := rt.cfg.Record.Path
		if dir == "" {
			dir = filepath.Join(rt.storagePath, "records")
		}
		log, err := record.NewFileLog(dir)
		if err != nil {
			return fmt.Errorf("creating record log: %w", err)
		}
		rt.recordLog = log
	case "sqlite":
		path := rt.cfg.Record.Path
		if path == "" {
			path = filepath.Join(rt.storagePath, "records.db")
		}
		log, err := record.NewSQLiteLog(path)
		if err != nil {
			return fmt.Errorf("creating record database: %w", err)
		}
		rt.recordLog = log
		rt.addCloser(func() { log.Close() })
	case "none":
	default:
		return fmt.Errorf("unknown record backend %q", rt.cfg.Record.Backend)
	}
	return nil
}

// createManager wires everything into the engine manager.
func (rt *runtime) createManager() {
	rt.mgr = engine.NewManager(engine.Deps{
		Analyzer: analyzer.New(rt.reason),
		Planner:  planner.New(rt.registry, rt.reason),
		Reviser: revision.New(rt.registry,
			revision.WithConfidenceFloor(rt.cfg.Revision.ConfidenceFloor),
			revision.WithTargetThreshold(rt.cfg.Revision.TargetThreshold)),
		Registry:    rt.registry,
		Checkpoints: rt.checkpoints,
		Broadcaster: rt.bcast,
		RecordLog:   rt.recordLog,
		Config:      rt.engineConfig(),
	})
}

// engineConfig converts config durations into the engine's policy.
func (rt *runtime) engineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.StepTimeout = config.Duration(rt.cfg.Engine.StepTimeout, cfg.StepTimeout)
	cfg.RetryBackoff = config.Duration(rt.cfg.Engine.RetryBackoff, cfg.RetryBackoff)
	if rt.cfg.Engine.MaxAttempts > 0 {
		cfg.MaxAttempts = rt.cfg.Engine.MaxAttempts
	}
	if rt.cfg.Engine.CheckpointRetries > 0 {
		cfg.CheckpointRetries = rt.cfg.Engine.CheckpointRetries
	}
	if len(rt.cfg.Engine.CapabilityTimeouts) > 0 {
		cfg.CapabilityTimeouts = make(map[capability.Ref]time.Duration, len(rt.cfg.Engine.CapabilityTimeouts))
		for ref, raw := range rt.cfg.Engine.CapabilityTimeouts {
			cfg.CapabilityTimeouts[capability.Ref(ref)] = config.Duration(raw, cfg.StepTimeout)
		}
	}
	return cfg
}

// addCloser registers cleanup to run on shutdown.
func (rt *runtime) addCloser(fn func()) {
	rt.closers = append(rt.closers, fn)
}

// close runs all registered cleanup in reverse order.
func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}
