package gql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"

	"github.com/darkden-lab/postfeed/internal/posts"
)

// ErrNoOperation is returned when a document has no operation matching the
// requested name.
var ErrNoOperation = errors.New("no matching operation in document")

// Request is a GraphQL request as sent over HTTP and in websocket subscribe
// messages.
type Request struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

// Executor runs requests against the posts schema.
type Executor struct {
	schema graphql.Schema
	log    *slog.Logger
}

// NewExecutor builds the schema over svc; postCreated subscriptions listen on
// events.
func NewExecutor(svc *posts.Service, events Events, log *slog.Logger) (*Executor, error) {
	if log == nil {
		log = slog.Default()
	}
	schema, err := newSchema(svc, events)
	if err != nil {
		return nil, fmt.Errorf("build graphql schema: %w", err)
	}
	return &Executor{schema: schema, log: log.With(slog.String("component", "graphql"))}, nil
}

func (e *Executor) params(ctx context.Context, req Request) graphql.Params {
	return graphql.Params{
		Schema:         e.schema,
		RequestString:  req.Query,
		VariableValues: req.Variables,
		OperationName:  req.OperationName,
		Context:        ctx,
	}
}

// Do executes a query or mutation.
func (e *Executor) Do(ctx context.Context, req Request) *graphql.Result {
	return graphql.Do(e.params(ctx, req))
}

// OperationType reports whether req selects a "query", "mutation" or
// "subscription" operation.
func OperationType(req Request) (string, error) {
	doc, err := parser.Parse(parser.ParseParams{Source: req.Query})
	if err != nil {
		return "", err
	}

	var found *ast.OperationDefinition
	for _, def := range doc.Definitions {
		op, ok := def.(*ast.OperationDefinition)
		if !ok {
			continue
		}
		if req.OperationName == "" {
			if found != nil {
				return "", fmt.Errorf("operationName is required for documents with several operations")
			}
			found = op
			continue
		}
		if op.Name != nil && op.Name.Value == req.OperationName {
			found = op
			break
		}
	}
	if found == nil {
		return "", ErrNoOperation
	}
	return found.Operation, nil
}

// Stream executes req and delivers its results on the returned channel.
// Queries and mutations yield a single result; subscriptions yield one result
// per event until ctx is done. The channel is closed when the operation ends.
func (e *Executor) Stream(ctx context.Context, req Request) (<-chan *graphql.Result, error) {
	op, err := OperationType(req)
	if err != nil {
		return nil, err
	}

	if op != ast.OperationTypeSubscription {
		out := make(chan *graphql.Result, 1)
		out <- e.Do(ctx, req)
		close(out)
		return out, nil
	}

	in := graphql.Subscribe(e.params(ctx, req))
	out := make(chan *graphql.Result)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				// Let the executor goroutine finish a pending send.
				go func() {
					for range in {
					}
				}()
				return
			case res, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- res:
				case <-ctx.Done():
				}
			}
		}
	}()
	e.log.Debug("subscription started", slog.String("operation", req.OperationName))
	return out, nil
}
