package main

import (
	"encoding/json"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/flowforge/dagcore"
	"github.com/flowforge/dagcore/engine"
	"github.com/flowforge/dagcore/events"
)

// server bundles the dependencies every handler needs, mirroring the
// teacher's package-level wfEngine/workflow globals but threaded through a
// receiver instead of globals so tests can construct an isolated instance.
type server struct {
	store     dagcore.Store
	executor  *engine.Executor
	bus       events.Bus
	clock     dagcore.Clock
	registry  *WorkflowRegistry
}

func registerRoutes(app *fiber.App, s *server) {
	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy", "service": "dagcore"})
	})

	v1 := app.Group("/v1")
	v1.Post("/workflows/:workflowId/executions", s.handleCreateExecution)
	v1.Get("/executions", s.handleListExecutions)
	v1.Get("/executions/:id", s.handleGetExecution)
	v1.Post("/executions/:id/cancel", s.handleCancelExecution)
	v1.Post("/executions/:id/resume", s.handleResumeExecution)
	v1.Post("/executions/:id/signals/:name", s.handleSendSignal)
}

// handleCreateExecution implements POST
// /v1/workflows/:workflowId/executions: look up the workflow definition,
// snapshot its steps onto a new enqueued WorkflowExecution row, and publish
// a workflow.execution.created delivery so the Dispatcher picks it up.
func (s *server) handleCreateExecution(c fiber.Ctx) error {
	workflowID := c.Params("workflowId")
	wf, ok := s.registry.Get(workflowID)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown workflow " + workflowID})
	}

	var input json.RawMessage
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&input); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
	}

	now := dagcore.NowMs(s.clock)
	exec := dagcore.WorkflowExecution{
		ID:               uuid.NewString(),
		WorkflowID:       wf.ID,
		Steps:            wf.Steps,
		Input:            input,
		Status:           dagcore.ExecutionEnqueued,
		StartAtEpochMs:   now,
		CreatedAtEpochMs: now,
		UpdatedAtEpochMs: now,
	}

	created, err := s.store.CreateExecution(c.Context(), exec)
	if err != nil {
		log.Error().Err(err).Str("workflow_id", workflowID).Msg("failed to create execution")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to create execution"})
	}

	if err := s.bus.Publish(c.Context(), events.Delivery{
		Type:    dagcore.DeliveryExecutionCreated,
		Subject: created.ID,
	}); err != nil {
		log.Error().Err(err).Str("execution_id", created.ID).Msg("failed to publish execution.created")
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"id":     created.ID,
		"status": created.Status,
	})
}

func (s *server) handleGetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	exec, err := s.store.GetExecution(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "execution not found"})
	}
	return c.JSON(exec)
}

func (s *server) handleListExecutions(c fiber.Ctx) error {
	filter := dagcore.ExecutionFilter{
		WorkflowID: c.Query("workflowId"),
		Status:     dagcore.ExecutionStatus(c.Query("status")),
	}
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))

	result, err := s.store.ListExecutions(c.Context(), filter, dagcore.Page{Limit: limit, Offset: offset})
	if err != nil {
		log.Error().Err(err).Msg("failed to list executions")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list executions"})
	}
	return c.JSON(fiber.Map{
		"executions": result.Executions,
		"totalCount": result.TotalCount,
	})
}

func (s *server) handleCancelExecution(c fiber.Ctx) error {
	id := c.Params("id")
	exec, err := s.executor.Cancel(c.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("execution_id", id).Msg("failed to cancel execution")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to cancel execution"})
	}
	if exec == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "execution is not cancellable from its current state"})
	}
	return c.JSON(exec)
}

func (s *server) handleResumeExecution(c fiber.Ctx) error {
	id := c.Params("id")
	exec, err := s.executor.Resume(c.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("execution_id", id).Msg("failed to resume execution")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to resume execution"})
	}
	if exec == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "execution is not cancelled"})
	}

	if err := s.bus.Publish(c.Context(), events.Delivery{
		Type:    dagcore.DeliveryExecutionRetry,
		Subject: id,
	}); err != nil {
		log.Error().Err(err).Str("execution_id", id).Msg("failed to publish execution.retry after resume")
	}
	return c.JSON(exec)
}

// handleSendSignal implements POST /v1/executions/:id/signals/:name,
// wiring events.SendSignal to wake a step parked in WaitingForSignalError.
func (s *server) handleSendSignal(c fiber.Ctx) error {
	id := c.Params("id")
	name := c.Params("name")

	var payload json.RawMessage
	if len(c.Body()) > 0 {
		payload = c.Body()
	}

	if err := events.SendSignal(c.Context(), s.store, s.bus, s.clock, id, name, payload); err != nil {
		log.Error().Err(err).Str("execution_id", id).Str("signal", name).Msg("failed to send signal")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to send signal"})
	}
	return c.JSON(fiber.Map{"executionId": id, "signal": name, "status": "sent"})
}
