// Copyright 2025 Squadron Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"squadron/shared/logger"
)

// Server bundles the orchestrator components behind the HTTP API.
type Server struct {
	cfg       Config
	log       *logger.Logger
	registry  *AgentRegistry
	breakers  *BreakerSet
	bus       *MessageBus
	collector *MetricsCollector
	router    *CostRouter
	dispatch  *Dispatcher
	engine    *WorkflowEngine
	pool      *ExecutorPool
	startTime time.Time
}

// NewServer wires the dispatch pipeline. Executors passed in override
// the HTTP executors derived from agent endpoints, so in-process agents
// can be plugged in next to remote ones.
func NewServer(cfg Config, executors ExecutorSet) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	collector := NewMetricsCollector()
	sink := FanoutSink{collector, NewPrometheusSink(prometheus.DefaultRegisterer)}

	breakers := NewBreakerSet(BreakerSettingsFromConfig(cfg), sink)
	registry := NewAgentRegistry(breakers)
	if cfg.AgentConfigDir != "" {
		if err := registry.LoadFromDirectory(cfg.AgentConfigDir); err != nil {
			return nil, fmt.Errorf("load agent fleet: %w", err)
		}
	}

	merged := make(ExecutorSet)
	for id, exec := range registryHTTPExecutors(registry) {
		merged[id] = exec
	}
	for id, exec := range executors {
		merged[id] = exec
	}

	bus := NewMessageBus(cfg.BusHighWatermark)
	budget := NewRetryBudget(cfg.RetryBudgetFraction)
	retry := NewRetryPolicy(RetrySettingsFromConfig(cfg), budget)
	dispatch := NewDispatcher(bus, breakers, retry, budget, sink)
	router := NewCostRouter(registry, breakers, cfg)
	engine := NewWorkflowEngine(router, dispatch, bus)
	pool := NewExecutorPool(bus, registry, merged, DefaultPoolWorkers)

	return &Server{
		cfg:       cfg,
		log:       logger.New("orchestrator"),
		registry:  registry,
		breakers:  breakers,
		bus:       bus,
		collector: collector,
		router:    router,
		dispatch:  dispatch,
		engine:    engine,
		pool:      pool,
		startTime: time.Now(),
	}, nil
}

func registryHTTPExecutors(registry *AgentRegistry) ExecutorSet {
	agents := make([]AgentDef, 0)
	for _, id := range registry.ListAgents() {
		if def, err := registry.Get(id); err == nil {
			agents = append(agents, def)
		}
	}
	return HTTPExecutors(agents)
}

// Start launches the background loops. They stop when ctx ends.
func (s *Server) Start(ctx context.Context) {
	s.dispatch.Start(ctx)
	s.engine.Start(ctx)
	s.pool.Start(ctx)
}

// Handler builds the HTTP API with CORS applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	// Health check
	r.HandleFunc("/health", s.healthHandler).Methods("GET")

	// Metrics endpoints
	r.HandleFunc("/metrics", s.metricsHandler).Methods("GET")  // JSON metrics
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET") // Prometheus native format

	// Agent fleet
	r.HandleFunc("/api/v1/agents/status", s.agentStatusHandler).Methods("GET")
	r.HandleFunc("/api/v1/agents/reload", s.reloadAgentsHandler).Methods("POST")

	// Task and workflow submission
	r.HandleFunc("/api/v1/tasks", s.submitTaskHandler).Methods("POST")
	r.HandleFunc("/api/v1/workflows/execute", s.executeWorkflowHandler).Methods("POST")
	r.HandleFunc("/api/v1/workflows/executions", s.listExecutionsHandler).Methods("GET")
	r.HandleFunc("/api/v1/workflows/executions/{id}", s.getExecutionHandler).Methods("GET")

	return c.Handler(r)
}

// Run loads configuration, wires the server, and serves until SIGINT
// or SIGTERM. Executors passed in supplement endpoint-derived ones.
func Run(executors ExecutorSet) {
	log.Println("Starting Squadron orchestrator...")

	cfg := LoadConfig()
	srv, err := NewServer(cfg, executors)
	if err != nil {
		log.Fatalf("Failed to initialize orchestrator: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	srv.Start(ctx)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP shutdown error: %v", err)
		}
		srv.bus.Close()
	}()

	srv.log.Info("", "", "Squadron orchestrator listening", map[string]interface{}{
		"port":   cfg.Port,
		"agents": srv.registry.Stats().AgentCount,
	})
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP server failed: %v", err)
	}
	srv.pool.Wait()
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.Stats()
	health := map[string]interface{}{
		"status":    "healthy",
		"service":   "squadron-orchestrator",
		"version":   "1.0.0",
		"timestamp": time.Now().UTC(),
		"components": map[string]interface{}{
			"registry_agents": stats.AgentCount,
			"bus_depth":       s.bus.Depth(),
			"uptime_seconds":  int(time.Since(s.startTime).Seconds()),
		},
	}

	if s.registry.IsEmpty() {
		health["status"] = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(health); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"collected_since": s.collector.CollectionStarted(),
		"agents":          s.collector.Snapshot(),
		"circuit_events":  s.collector.Events(),
		"bus_depth":       s.bus.Depth(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// agentStatus is one row of the fleet status report.
type agentStatus struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Capabilities   []string `json:"capabilities"`
	CostPerUnit    string   `json:"cost_per_unit"`
	MaxConcurrency int      `json:"max_concurrency"`
	CircuitState   string   `json:"circuit_state"`
}

func (s *Server) agentStatusHandler(w http.ResponseWriter, r *http.Request) {
	ids := s.registry.ListAgents()
	agents := make([]agentStatus, 0, len(ids))
	for _, id := range ids {
		def, err := s.registry.Get(id)
		if err != nil {
			continue
		}
		agents = append(agents, agentStatus{
			ID:             def.ID,
			Name:           def.Name,
			Capabilities:   def.Capabilities,
			CostPerUnit:    def.CostPerUnit.String(),
			MaxConcurrency: def.MaxConcurrency,
			CircuitState:   s.registry.HealthOf(def.ID).String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"agents":   agents,
		"registry": s.registry.Stats(),
	}); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func (s *Server) reloadAgentsHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Reload(); err != nil {
		sendErrorResponse(w, "Reload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "success",
		"registry": s.registry.Stats(),
	}); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// taskSubmission is the wire shape of a single-task request.
type taskSubmission struct {
	Capability string  `json:"capability"`
	Complexity float64 `json:"complexity"`
	Priority   string  `json:"priority"`
	Payload    string  `json:"payload,omitempty"`
	DeadlineMS int64   `json:"deadline_ms,omitempty"`
}

func (t taskSubmission) toTask() Task {
	task := NewTask(t.Capability, t.Complexity, ParsePriority(t.Priority))
	task.Payload = t.Payload
	if t.DeadlineMS > 0 {
		deadline := time.Now().Add(time.Duration(t.DeadlineMS) * time.Millisecond)
		task.Deadline = &deadline
	}
	return task
}

func (s *Server) submitTaskHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req taskSubmission
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	task := req.toTask()

	handle, err := s.engine.SubmitTask(context.Background(), task)
	if err != nil {
		sendErrorResponse(w, "Task rejected: "+err.Error(), http.StatusBadRequest)
		return
	}

	outcome, err := handle.Wait(r.Context())
	if err != nil {
		// The client went away; the task keeps running and stays
		// observable through the executions API.
		sendErrorResponse(w, "Client cancelled while waiting", http.StatusRequestTimeout)
		return
	}

	s.log.InfoWithDuration(task.ID, handle.ID(), "Task completed",
		float64(time.Since(start).Milliseconds()), map[string]interface{}{
			"success": outcome.Success,
		})

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(outcomeResponse(handle.ID(), outcome)); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// workflowSubmission is the wire shape of a workflow request.
type workflowSubmission struct {
	Name  string           `json:"name"`
	Nodes []nodeSubmission `json:"nodes"`
	Wait  bool             `json:"wait"`
}

type nodeSubmission struct {
	ID        string         `json:"id"`
	Task      taskSubmission `json:"task"`
	Required  *bool          `json:"required,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
}

func (wf workflowSubmission) toSpec() WorkflowSpec {
	spec := WorkflowSpec{Name: wf.Name}
	for _, n := range wf.Nodes {
		required := true
		if n.Required != nil {
			required = *n.Required
		}
		spec.Nodes = append(spec.Nodes, NodeSpec{
			ID:        n.ID,
			Task:      n.Task.toTask(),
			Required:  required,
			DependsOn: n.DependsOn,
		})
	}
	return spec
}

func (s *Server) executeWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	var req workflowSubmission
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		sendErrorResponse(w, "Workflow name is required", http.StatusBadRequest)
		return
	}

	handle, err := s.engine.Submit(context.Background(), req.toSpec())
	if err != nil {
		sendErrorResponse(w, "Workflow rejected: "+err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if !req.Wait {
		w.WriteHeader(http.StatusAccepted)
		if err := json.NewEncoder(w).Encode(handle.Snapshot()); err != nil {
			log.Printf("Error encoding response: %v", err)
		}
		return
	}

	outcome, err := handle.Wait(r.Context())
	if err != nil {
		sendErrorResponse(w, "Client cancelled while waiting", http.StatusRequestTimeout)
		return
	}
	if err := json.NewEncoder(w).Encode(outcomeResponse(handle.ID(), outcome)); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func (s *Server) getExecutionHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	executionID := vars["id"]

	snap, ok := s.engine.Execution(executionID)
	if !ok {
		sendErrorResponse(w, "Execution not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func (s *Server) listExecutionsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	executions := s.engine.Executions()
	// Newest first, so the limit keeps the most recent executions.
	sort.Slice(executions, func(i, j int) bool {
		if !executions[i].StartTime.Equal(executions[j].StartTime) {
			return executions[i].StartTime.After(executions[j].StartTime)
		}
		return executions[i].ID < executions[j].ID
	})
	if len(executions) > limit {
		executions = executions[:limit]
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"executions": executions,
		"count":      len(executions),
	}); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// outcomeResponse converts an Outcome into its wire shape.
func outcomeResponse(workflowID string, outcome Outcome) map[string]interface{} {
	resp := map[string]interface{}{
		"workflow_id": workflowID,
		"success":     outcome.Success,
		"attempts":    outcome.Attempts,
		"cost":        outcome.Cost.String(),
		"elapsed_ms":  outcome.Elapsed.Milliseconds(),
	}
	if outcome.Output != "" {
		resp["output"] = outcome.Output
	}
	if len(outcome.NodeOutputs) > 0 {
		resp["node_outputs"] = outcome.NodeOutputs
	}
	if outcome.Err != nil {
		resp["error"] = outcome.Err.Error()
		resp["error_code"] = outcome.ErrorCode
	}
	return resp
}

func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		log.Printf("Error encoding error response: %v", err)
	}
}
