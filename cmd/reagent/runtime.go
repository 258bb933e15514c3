package main

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"reagent/internal/agents"
	"reagent/internal/checkpoint"
	"reagent/internal/config"
	"reagent/internal/embedding"
	"reagent/internal/episodic"
	"reagent/internal/graph"
	"reagent/internal/llm"
	"reagent/internal/planner"
	"reagent/internal/sop"
	"reagent/internal/store"
	"reagent/internal/supervisor"
)

// runtime wires the configured components for one CLI invocation.
type runtime struct {
	cfg         config.Config
	store       *store.LocalStore
	engine      embedding.Engine
	retriever   *sop.Retriever
	episodes    *episodic.Store
	checkpoints *checkpoint.Store
	planner     *planner.Planner
	supervisor  *supervisor.Supervisor
}

func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = filepath.Join(workspace, ".reagent", "config.yaml")
	}
	return config.Load(workspace, path)
}

// buildStores opens the database-backed components shared by every
// command. The completion stack is wired separately because indexing and
// inspection commands do not need an LLM.
func buildStores() (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	local, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	engine, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		local.Close()
		return nil, err
	}

	return &runtime{
		cfg:         cfg,
		store:       local,
		engine:      engine,
		retriever:   sop.NewRetriever(local, engine, cfg.Retrieval.ChunkSize, logger),
		episodes:    episodic.NewStore(local, engine, logger),
		checkpoints: checkpoint.NewStore(local, logger),
	}, nil
}

// buildRuntime adds the planner and supervisor on top of the stores.
func buildRuntime() (*runtime, error) {
	rt, err := buildStores()
	if err != nil {
		return nil, err
	}

	client, err := llm.NewClient(rt.cfg.LLM)
	if err != nil {
		rt.close()
		return nil, err
	}

	registry, err := buildRegistry(rt.cfg, client)
	if err != nil {
		rt.close()
		return nil, err
	}

	rt.planner = planner.New(client, rt.retriever, rt.episodes, planner.Policy{
		SOPTopK:       rt.cfg.Retrieval.SOPTopK,
		EpisodicTopM:  rt.cfg.Retrieval.EpisodicTopM,
		MinSimilarity: rt.cfg.Retrieval.MinSimilarity,
		RepairRounds:  rt.cfg.Retrieval.PlanRepairRounds,
	}, logger)

	rt.supervisor = supervisor.New(rt.planner, registry, rt.checkpoints, rt.episodes,
		rt.cfg.Supervisor, logger)
	return rt, nil
}

// buildRegistry binds every executor role. LLM-backed roles may use a
// per-role model override; the prediction role goes to the external
// tool.
func buildRegistry(cfg config.Config, base llm.Client) (*agents.Registry, error) {
	registry := agents.NewRegistry()

	for _, role := range []graph.Role{graph.RoleResearch, graph.RoleData, graph.RoleReport} {
		client := base
		if model := cfg.ModelForRole(string(role)); model != cfg.LLM.Model {
			roleCfg := cfg.LLM
			roleCfg.Model = model
			c, err := llm.NewClient(roleCfg)
			if err != nil {
				return nil, fmt.Errorf("client for role %s: %w", role, err)
			}
			client = c
		}
		exec, err := agents.NewLLMExecutor(role, client, logger)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(role, exec); err != nil {
			return nil, err
		}
	}

	var tool agents.PredictionTool
	if cfg.Tools.PredictionEndpoint != "" {
		tool = agents.NewHTTPPredictionTool(cfg.Tools.PredictionEndpoint, cfg.Supervisor.NodeTimeout)
	}
	exec := agents.NewPredictionExecutor(tool, logger)
	if err := registry.Register(graph.RolePrediction, exec); err != nil {
		return nil, err
	}

	return registry, nil
}

func (rt *runtime) close() {
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			logger.Warn("closing store", zap.Error(err))
		}
	}
}
