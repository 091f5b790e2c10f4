// Package server exposes the protocol surface: 36 tools and 20 read-only
// resources over a stdio request/response stream and an HTTP binding.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Dicklesworthstone/agent-mail/internal/model"
	"github.com/Dicklesworthstone/agent-mail/internal/runtime"
)

// Request is one protocol call. Exactly one of Tool or Resource is set.
type Request struct {
	ID       json.RawMessage `json:"id,omitempty"`
	Tool     string          `json:"tool,omitempty"`
	Resource string          `json:"resource,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// Response pairs a result or error with the request's correlation id.
type Response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  *ProtocolError  `json:"error,omitempty"`
}

// ProtocolError is the wire form of a kinded error.
type ProtocolError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// toProtocolError maps any failure to its wire form.
func toProtocolError(err error) *ProtocolError {
	var kerr *model.Error
	if ok := asModelError(err, &kerr); ok {
		return &ProtocolError{
			Code:    string(kerr.Kind),
			Message: kerr.Message,
			Details: kerr.Details,
		}
	}
	return &ProtocolError{Code: "INTERNAL", Message: err.Error()}
}

func asModelError(err error, target **model.Error) bool {
	for err != nil {
		if e, ok := err.(*model.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// toolFunc handles one tool call.
type toolFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Dispatcher routes tool and resource calls into the runtime. Each call
// runs in a per-request subscope: caller cancellation aborts its DB and
// cache waits but never in-progress commits (the queue owns those).
type Dispatcher struct {
	rt        *runtime.Runtime
	tools     map[string]toolFunc
	resources []resourceRoute
}

// NewDispatcher registers every tool and resource.
func NewDispatcher(rt *runtime.Runtime) *Dispatcher {
	d := &Dispatcher{rt: rt, tools: make(map[string]toolFunc)}
	d.registerTools()
	d.registerResources()
	return d
}

// ToolNames lists the registered tools, sorted.
func (d *Dispatcher) ToolNames() []string {
	names := make([]string, 0, len(d.tools))
	for n := range d.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Handle serves one request.
func (d *Dispatcher) Handle(ctx context.Context, req Request) Response {
	if d.rt.Draining() {
		return Response{ID: req.ID, Error: &ProtocolError{
			Code: string(model.KindShutdown), Message: "server is shutting down",
		}}
	}
	// Per-request subscope.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var result any
	var err error
	switch {
	case req.Tool != "":
		fn, ok := d.tools[req.Tool]
		if !ok {
			err = model.Errf(model.KindNotFound, "unknown tool %q", req.Tool)
		} else {
			result, err = fn(ctx, req.Params)
		}
	case req.Resource != "":
		result, err = d.readResource(ctx, req.Resource)
	default:
		err = model.Errf(model.KindValidation, "request names neither a tool nor a resource")
	}

	if err != nil {
		return Response{ID: req.ID, Error: toProtocolError(err)}
	}
	return Response{ID: req.ID, Result: result}
}

// decode unmarshals params strictly enough to catch type mismatches.
func decode[T any](raw json.RawMessage, out *T) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return model.Wrap(model.KindValidation, err, "bad parameters")
	}
	return nil
}

// project resolves a project_key (absolute path) or slug.
func (d *Dispatcher) project(ctx context.Context, key string) (*model.Project, error) {
	if key == "" {
		return nil, model.Errf(model.KindValidation, "project_key is required")
	}
	if p, err := d.rt.DB.ProjectByKey(ctx, key); err == nil {
		return p, nil
	}
	if p, err := d.rt.DB.ProjectBySlug(ctx, key); err == nil {
		return p, nil
	}
	return nil, model.Errf(model.KindNotFound, "project %q not found", key)
}

// agent resolves an agent by name within a project.
func (d *Dispatcher) agent(ctx context.Context, project *model.Project, name string) (*model.Agent, error) {
	if name == "" {
		return nil, model.Errf(model.KindValidation, "agent_name is required")
	}
	return d.rt.DB.AgentByName(ctx, project.ID, name)
}

func fmtKey(parts ...any) string {
	ss := make([]string, len(parts))
	for i, p := range parts {
		ss[i] = fmt.Sprint(p)
	}
	return strings.Join(ss, "|")
}
