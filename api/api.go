package api

import (
	"net/http"

	"github.com/xraph/forge"

	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/workflow"
)

// API wires all Forge-style HTTP handlers for the Loom control plane.
type API struct {
	eng    *engine.Engine
	router forge.Router
}

// New creates an API from a Loom Engine.
func New(eng *engine.Engine, router forge.Router) *API {
	return &API{eng: eng, router: router}
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	if a.router == nil {
		a.router = forge.NewRouter()
	}
	a.RegisterRoutes(a.router)
	return a.router.Handler()
}

// RegisterRoutes registers all Loom API routes into the given Forge
// router with full OpenAPI metadata.
func (a *API) RegisterRoutes(router forge.Router) {
	a.registerWorkflowRoutes(router)
	a.registerInstanceRoutes(router)
	a.registerStatsRoutes(router)
	a.registerStreamRoutes(router)
}

// registerWorkflowRoutes registers workflow type routes.
func (a *API) registerWorkflowRoutes(router forge.Router) {
	g := router.Group("/v1", forge.WithGroupTags("workflows"))

	_ = g.GET("/workflows", a.listWorkflowTypes,
		forge.WithSummary("List workflow types"),
		forge.WithDescription("Returns the types of all registered workflow definitions."),
		forge.WithOperationID("listWorkflowTypes"),
		forge.WithResponseSchema(http.StatusOK, "Workflow types", ListWorkflowTypesResponse{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/workflows/:workflowType/instances", a.submitInstance,
		forge.WithSummary("Submit workflow instance"),
		forge.WithDescription("Validates the input and durably creates a new instance of the workflow type."),
		forge.WithOperationID("submitInstance"),
		forge.WithRequestSchema(SubmitInstanceRequest{}),
		forge.WithCreatedResponse(&workflow.Instance{}),
		forge.WithErrorResponses(),
	)
}

// registerInstanceRoutes registers instance inspection and control routes.
func (a *API) registerInstanceRoutes(router forge.Router) {
	g := router.Group("/v1", forge.WithGroupTags("instances"))

	_ = g.GET("/instances", a.listInstances,
		forge.WithSummary("List instances"),
		forge.WithDescription("Returns instances filtered by workflow type and display status."),
		forge.WithOperationID("listInstances"),
		forge.WithRequestSchema(ListInstancesRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Instance list", []*workflow.Instance{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/instances/:instanceId", a.getInstance,
		forge.WithSummary("Get instance"),
		forge.WithDescription("Returns details of a specific workflow instance."),
		forge.WithOperationID("getInstance"),
		forge.WithResponseSchema(http.StatusOK, "Instance details", &workflow.Instance{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/instances/:instanceId/steps", a.getSteps,
		forge.WithSummary("Get step records"),
		forge.WithDescription("Returns the instance's durability log ordered by ordinal."),
		forge.WithOperationID("getSteps"),
		forge.WithResponseSchema(http.StatusOK, "Step records", []*workflow.StepRecord{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/instances/:instanceId/timeline", a.getTimeline,
		forge.WithSummary("Get timeline"),
		forge.WithDescription("Returns timeline entries after the given sequence, ordered by sequence."),
		forge.WithOperationID("getTimeline"),
		forge.WithRequestSchema(GetTimelineRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Timeline entries", []*workflow.TimelineEntry{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/instances/:instanceId/events", a.listEvents,
		forge.WithSummary("List delivered events"),
		forge.WithDescription("Returns all events delivered to the instance, oldest first."),
		forge.WithOperationID("listEvents"),
		forge.WithResponseSchema(http.StatusOK, "Events", []*event.Event{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/instances/:instanceId/events", a.deliverEvent,
		forge.WithSummary("Deliver event"),
		forge.WithDescription("Durably delivers a named event; a matching wait resolves immediately."),
		forge.WithOperationID("deliverEvent"),
		forge.WithRequestSchema(DeliverEventRequest{}),
		forge.WithCreatedResponse(&event.Event{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/instances/:instanceId/pause", a.pauseInstance,
		forge.WithSummary("Pause instance"),
		forge.WithDescription("Sets the pause overlay; the stored status keeps its pre-pause value."),
		forge.WithOperationID("pauseInstance"),
		forge.WithResponseSchema(http.StatusOK, "Paused instance", &workflow.Instance{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/instances/:instanceId/resume", a.resumeInstance,
		forge.WithSummary("Resume instance"),
		forge.WithDescription("Clears the pause overlay, restoring the exact pre-pause state."),
		forge.WithOperationID("resumeInstance"),
		forge.WithResponseSchema(http.StatusOK, "Resumed instance", &workflow.Instance{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/instances/:instanceId/terminate", a.terminateInstance,
		forge.WithSummary("Terminate instance"),
		forge.WithDescription("Forcibly moves a non-terminal instance to the terminated status."),
		forge.WithOperationID("terminateInstance"),
		forge.WithRequestSchema(TerminateInstanceRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Terminated instance", &workflow.Instance{}),
		forge.WithErrorResponses(),
	)
}

// registerStatsRoutes registers aggregate statistics routes.
func (a *API) registerStatsRoutes(router forge.Router) {
	g := router.Group("/v1", forge.WithGroupTags("stats"))

	_ = g.GET("/stats", a.stats,
		forge.WithSummary("Loom stats"),
		forge.WithDescription("Returns aggregate statistics for instances and the live stream."),
		forge.WithOperationID("loomStats"),
		forge.WithResponseSchema(http.StatusOK, "Loom statistics", StatsResponse{}),
		forge.WithErrorResponses(),
	)
}
