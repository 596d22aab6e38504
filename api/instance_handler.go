// Package api provides HTTP handlers for the Loom API.
package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/xraph/forge"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

func (a *API) listWorkflowTypes(ctx forge.Context) error {
	types := a.eng.Registry().Types()
	return ctx.JSON(http.StatusOK, ListWorkflowTypesResponse{Types: types})
}

func (a *API) submitInstance(ctx forge.Context, req *SubmitInstanceRequest) (*workflow.Instance, error) {
	workflowType := ctx.Param("workflowType")

	var opts []engine.SubmitOption
	if req.InstanceID != "" {
		instID, err := id.ParseInstanceID(req.InstanceID)
		if err != nil {
			return nil, forge.BadRequest(fmt.Sprintf("invalid instance ID: %v", err))
		}
		opts = append(opts, engine.WithInstanceID(instID))
	}

	inst, err := a.eng.SubmitRaw(ctx.Context(), workflowType, req.Input, opts...)
	if err != nil {
		return nil, mapEngineError(err)
	}

	return inst, ctx.JSON(http.StatusCreated, inst)
}

func (a *API) listInstances(ctx forge.Context, req *ListInstancesRequest) ([]*workflow.Instance, error) {
	var status workflow.Status
	if req.Status != "" {
		status = workflow.Status(req.Status)
	}

	instances, err := a.eng.ListInstances(ctx.Context(), workflow.ListOpts{
		Type:   req.Type,
		Status: status,
		Limit:  defaultLimit(req.Limit),
		Offset: req.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	return instances, ctx.JSON(http.StatusOK, instances)
}

func (a *API) getInstance(ctx forge.Context, _ *GetInstanceRequest) (*workflow.Instance, error) {
	instID, err := id.ParseInstanceID(ctx.Param("instanceId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid instance ID: %v", err))
	}

	inst, err := a.eng.GetInstance(ctx.Context(), instID)
	if err != nil {
		return nil, mapEngineError(err)
	}

	return inst, ctx.JSON(http.StatusOK, inst)
}

func (a *API) getSteps(ctx forge.Context) error {
	instID, err := id.ParseInstanceID(ctx.Param("instanceId"))
	if err != nil {
		return forge.BadRequest(fmt.Sprintf("invalid instance ID: %v", err))
	}

	steps, err := a.eng.GetSteps(ctx.Context(), instID)
	if err != nil {
		return mapEngineError(err)
	}

	return ctx.JSON(http.StatusOK, steps)
}

func (a *API) getTimeline(ctx forge.Context, req *GetTimelineRequest) ([]*workflow.TimelineEntry, error) {
	instID, err := id.ParseInstanceID(ctx.Param("instanceId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid instance ID: %v", err))
	}

	entries, err := a.eng.GetTimeline(ctx.Context(), instID, req.FromSeq, defaultLimit(req.Limit))
	if err != nil {
		return nil, mapEngineError(err)
	}

	return entries, ctx.JSON(http.StatusOK, entries)
}

func (a *API) listEvents(ctx forge.Context) error {
	instID, err := id.ParseInstanceID(ctx.Param("instanceId"))
	if err != nil {
		return forge.BadRequest(fmt.Sprintf("invalid instance ID: %v", err))
	}

	events, err := a.eng.ListEvents(ctx.Context(), instID)
	if err != nil {
		return mapEngineError(err)
	}

	return ctx.JSON(http.StatusOK, events)
}

func (a *API) deliverEvent(ctx forge.Context, req *DeliverEventRequest) (*event.Event, error) {
	instID, err := id.ParseInstanceID(ctx.Param("instanceId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid instance ID: %v", err))
	}
	if req.Name == "" {
		return nil, forge.BadRequest("event name is required")
	}

	evt, err := a.eng.DeliverEvent(ctx.Context(), instID, req.Name, req.Payload)
	if err != nil {
		return nil, mapEngineError(err)
	}

	return evt, ctx.JSON(http.StatusCreated, evt)
}

func (a *API) pauseInstance(ctx forge.Context) error {
	instID, err := id.ParseInstanceID(ctx.Param("instanceId"))
	if err != nil {
		return forge.BadRequest(fmt.Sprintf("invalid instance ID: %v", err))
	}

	inst, err := a.eng.Pause(ctx.Context(), instID)
	if err != nil {
		return mapEngineError(err)
	}

	return ctx.JSON(http.StatusOK, inst)
}

func (a *API) resumeInstance(ctx forge.Context) error {
	instID, err := id.ParseInstanceID(ctx.Param("instanceId"))
	if err != nil {
		return forge.BadRequest(fmt.Sprintf("invalid instance ID: %v", err))
	}

	inst, err := a.eng.Resume(ctx.Context(), instID)
	if err != nil {
		return mapEngineError(err)
	}

	return ctx.JSON(http.StatusOK, inst)
}

func (a *API) terminateInstance(ctx forge.Context, req *TerminateInstanceRequest) (*workflow.Instance, error) {
	instID, err := id.ParseInstanceID(ctx.Param("instanceId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid instance ID: %v", err))
	}

	inst, err := a.eng.Terminate(ctx.Context(), instID, req.Reason)
	if err != nil {
		return nil, mapEngineError(err)
	}

	return inst, ctx.JSON(http.StatusOK, inst)
}

// mapEngineError converts loom sentinel errors to forge HTTP errors.
func mapEngineError(err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return forge.NotFound(err.Error())
	}
	if isBadRequest(err) {
		return forge.BadRequest(err.Error())
	}
	return err
}

func isNotFound(err error) bool {
	return errors.Is(err, loom.ErrInstanceNotFound) ||
		errors.Is(err, loom.ErrEventNotFound)
}

func isBadRequest(err error) bool {
	return errors.Is(err, loom.ErrValidation) ||
		errors.Is(err, loom.ErrUnknownWorkflow) ||
		errors.Is(err, loom.ErrInstanceExists) ||
		errors.Is(err, loom.ErrTerminalInstance)
}
