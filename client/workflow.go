package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/workflow"
)

// SubmitOption configures a submission.
type SubmitOption func(*submitRequest)

// WithInstanceID sets an explicit instance ID, for client-generated
// idempotency keys.
func WithInstanceID(instanceID string) SubmitOption {
	return func(r *submitRequest) { r.InstanceID = instanceID }
}

type submitRequest struct {
	Input      json.RawMessage `json:"input,omitempty"`
	InstanceID string          `json:"instance_id,omitempty"`
}

// SubmitInstance submits a new instance of the given workflow type.
func (c *Client) SubmitInstance(ctx context.Context, workflowType string, input any, opts ...SubmitOption) (*workflow.Instance, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("loom/client: marshal input: %w", err)
	}

	req := submitRequest{Input: raw}
	for _, opt := range opts {
		opt(&req)
	}

	var inst workflow.Instance
	path := "/v1/workflows/" + url.PathEscape(workflowType) + "/instances"
	if err := c.do(ctx, http.MethodPost, path, req, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// GetInstance retrieves an instance by ID.
func (c *Client) GetInstance(ctx context.Context, instanceID string) (*workflow.Instance, error) {
	var inst workflow.Instance
	if err := c.do(ctx, http.MethodGet, "/v1/instances/"+url.PathEscape(instanceID), nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// ListInstancesOptions filters the instance list.
type ListInstancesOptions struct {
	Type   string
	Status string
	Limit  int
	Offset int
}

// ListInstances returns instances matching the given options.
func (c *Client) ListInstances(ctx context.Context, opts ListInstancesOptions) ([]*workflow.Instance, error) {
	q := url.Values{}
	if opts.Type != "" {
		q.Set("type", opts.Type)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	path := "/v1/instances"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var instances []*workflow.Instance
	if err := c.do(ctx, http.MethodGet, path, nil, &instances); err != nil {
		return nil, err
	}
	return instances, nil
}

// GetSteps returns an instance's durability log ordered by ordinal.
func (c *Client) GetSteps(ctx context.Context, instanceID string) ([]*workflow.StepRecord, error) {
	var steps []*workflow.StepRecord
	path := "/v1/instances/" + url.PathEscape(instanceID) + "/steps"
	if err := c.do(ctx, http.MethodGet, path, nil, &steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// GetTimeline returns timeline entries with sequence greater than
// fromSeq.
func (c *Client) GetTimeline(ctx context.Context, instanceID string, fromSeq int64, limit int) ([]*workflow.TimelineEntry, error) {
	q := url.Values{}
	if fromSeq > 0 {
		q.Set("from_seq", strconv.FormatInt(fromSeq, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	path := "/v1/instances/" + url.PathEscape(instanceID) + "/timeline"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var entries []*workflow.TimelineEntry
	if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ListEvents returns all events delivered to an instance, oldest first.
func (c *Client) ListEvents(ctx context.Context, instanceID string) ([]*event.Event, error) {
	var events []*event.Event
	path := "/v1/instances/" + url.PathEscape(instanceID) + "/events"
	if err := c.do(ctx, http.MethodGet, path, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// DeliverEvent delivers a named event to an instance. A matching wait
// resolves before the call returns.
func (c *Client) DeliverEvent(ctx context.Context, instanceID, name string, payload any) (*event.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("loom/client: marshal event payload: %w", err)
	}

	var evt event.Event
	path := "/v1/instances/" + url.PathEscape(instanceID) + "/events"
	body := struct {
		Name    string          `json:"name"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}{Name: name, Payload: raw}
	if err := c.do(ctx, http.MethodPost, path, body, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// Pause sets the pause overlay on an instance.
func (c *Client) Pause(ctx context.Context, instanceID string) (*workflow.Instance, error) {
	var inst workflow.Instance
	path := "/v1/instances/" + url.PathEscape(instanceID) + "/pause"
	if err := c.do(ctx, http.MethodPost, path, nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// Resume clears the pause overlay on an instance.
func (c *Client) Resume(ctx context.Context, instanceID string) (*workflow.Instance, error) {
	var inst workflow.Instance
	path := "/v1/instances/" + url.PathEscape(instanceID) + "/resume"
	if err := c.do(ctx, http.MethodPost, path, nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// Terminate forcibly terminates an instance.
func (c *Client) Terminate(ctx context.Context, instanceID, reason string) (*workflow.Instance, error) {
	var inst workflow.Instance
	path := "/v1/instances/" + url.PathEscape(instanceID) + "/terminate"
	body := struct {
		Reason string `json:"reason,omitempty"`
	}{Reason: reason}
	if err := c.do(ctx, http.MethodPost, path, body, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// WorkflowTypes returns the workflow types registered on the server.
func (c *Client) WorkflowTypes(ctx context.Context) ([]string, error) {
	var resp struct {
		Types []string `json:"types"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/workflows", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Types, nil
}

// Stats retrieves aggregate server statistics.
func (c *Client) Stats(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
