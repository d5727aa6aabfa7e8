package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/songzhibin97/docflow/types"
	"github.com/songzhibin97/docflow/workflow"
)

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// Health reports liveness (GET /healthz).
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status: "ok",
		Uptime: time.Since(s.started).Round(time.Second).String(),
	})
}

func pathID(c echo.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id "+strconv.Quote(c.Param("id")))
	}
	return id, nil
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

// SaveDefinition stores a draft or active definition
// (POST /api/v1/definitions).
func (s *Server) SaveDefinition(c echo.Context) error {
	var def types.WorkflowDefinition
	if err := bind(c, &def); err != nil {
		return err
	}
	saved, err := s.engine.SaveDefinition(c.Request().Context(), def)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, saved)
}

// ListDefinitions lists definitions, optionally of one document type
// (GET /api/v1/definitions?document_type=).
func (s *Server) ListDefinitions(c echo.Context) error {
	defs, err := s.engine.Storage().ListDefinitions(c.Request().Context(), c.QueryParam("document_type"))
	if err != nil {
		return err
	}
	if defs == nil {
		defs = []types.WorkflowDefinition{}
	}
	return c.JSON(http.StatusOK, defs)
}

// GetDefinition (GET /api/v1/definitions/:id).
func (s *Server) GetDefinition(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	def, err := s.engine.GetDefinition(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

// ActivateDefinition (POST /api/v1/definitions/:id/activate).
func (s *Server) ActivateDefinition(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	def, err := s.engine.ActivateDefinition(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

// CreateInstanceRequest is the body of POST /api/v1/instances.
type CreateInstanceRequest struct {
	workflow.CreateRequest
	// Start moves the new instance onto its first step right away.
	Start bool `json:"start,omitempty"`
}

// CreateInstance (POST /api/v1/instances).
func (s *Server) CreateInstance(c echo.Context) error {
	var req CreateInstanceRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.DocumentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "document_id is required")
	}
	ctx := c.Request().Context()
	var (
		state *workflow.InstanceState
		err   error
	)
	if req.Start {
		state, err = s.engine.StartWorkflow(ctx, req.CreateRequest)
	} else {
		state, err = s.engine.CreateInstance(ctx, req.CreateRequest)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, state)
}

// ListActiveInstances (GET /api/v1/instances).
func (s *Server) ListActiveInstances(c echo.Context) error {
	list, err := s.engine.ListActiveInstances(c.Request().Context())
	if err != nil {
		return err
	}
	if list == nil {
		list = []types.WorkflowInstance{}
	}
	return c.JSON(http.StatusOK, list)
}

// GetInstance (GET /api/v1/instances/:id).
func (s *Server) GetInstance(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	state, err := s.engine.GetInstanceState(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, state)
}

// ActorRequest carries the acting user of a body-less operation.
type ActorRequest struct {
	Actor string `json:"actor"`
}

// StartInstance (POST /api/v1/instances/:id/start).
func (s *Server) StartInstance(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req ActorRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	state, err := s.engine.Start(c.Request().Context(), id, req.Actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, state)
}

// ExecuteAction (POST /api/v1/instances/:id/actions).
func (s *Server) ExecuteAction(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req workflow.ActionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Action == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "action is required")
	}
	if !req.Targeted() {
		return echo.NewHTTPError(http.StatusBadRequest, "step or expected_version is required")
	}
	req.InstanceID = id
	state, err := s.engine.ExecuteAction(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, state)
}

// AvailableActions (GET /api/v1/instances/:id/actions?actor=).
func (s *Server) AvailableActions(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	actor := c.QueryParam("actor")
	if actor == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actor is required")
	}
	actions, err := s.engine.AvailableActions(c.Request().Context(), id, actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, actions)
}

// Reassign (POST /api/v1/instances/:id/reassign).
func (s *Server) Reassign(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req workflow.ReassignRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.NewAssignee == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "new_assignee is required")
	}
	req.InstanceID = id
	state, err := s.engine.Reassign(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, state)
}

// Cancel (POST /api/v1/instances/:id/cancel).
func (s *Server) Cancel(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req workflow.CancelRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	req.InstanceID = id
	state, err := s.engine.Cancel(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, state)
}

// History (GET /api/v1/instances/:id/history).
func (s *Server) History(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if _, err := s.engine.GetInstanceState(ctx, id); err != nil {
		return err
	}
	history, err := s.engine.GetHistory(ctx, id)
	if err != nil {
		return err
	}
	if history == nil {
		history = []types.HistoryEntry{}
	}
	return c.JSON(http.StatusOK, history)
}

// DocumentRequest is the body of PUT /api/v1/documents/:id.
type DocumentRequest struct {
	DocumentType string                      `json:"document_type,omitempty"`
	Fields       map[string]types.TypedValue `json:"fields"`
	// Actor is the creator, used when a new document auto-starts a workflow.
	Actor string `json:"actor,omitempty"`
}

// DocumentResponse reports the stored document and any workflow it started.
type DocumentResponse struct {
	DocumentID string                  `json:"document_id"`
	Created    bool                    `json:"created"`
	Instance   *workflow.InstanceState `json:"instance,omitempty"`
}

// PutDocument stores document fields. A new document with a type may
// auto-start its workflow (PUT /api/v1/documents/:id).
func (s *Server) PutDocument(c echo.Context) error {
	docID := c.Param("id")
	var req DocumentRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Fields == nil {
		req.Fields = map[string]types.TypedValue{}
	}
	created := s.docs.Put(docID, req.Fields)

	resp := DocumentResponse{DocumentID: docID, Created: created}
	if created && req.DocumentType != "" {
		state, err := s.engine.DocumentCreated(c.Request().Context(), docID, req.DocumentType, req.Actor)
		if err != nil {
			return err
		}
		resp.Instance = state
	}
	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
	}
	return c.JSON(status, resp)
}
