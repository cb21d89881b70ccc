package gql

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/graphql-go/graphql/language/ast"

	"github.com/darkden-lab/postfeed/internal/httputil"
)

const maxRequestBytes = 1 << 20

// Handler serves GraphQL queries and mutations over HTTP.
type Handler struct {
	exec *Executor
	log  *slog.Logger
}

func NewHandler(exec *Executor, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{exec: exec, log: log.With(slog.String("component", "graphql"))}
}

// RegisterRoutes wires /graphql. When ws is non-nil, websocket upgrade
// requests on the same path are routed to it.
func (h *Handler) RegisterRoutes(r *mux.Router, ws http.Handler) {
	if ws != nil {
		r.Handle("/graphql", ws).Methods(http.MethodGet).HeadersRegexp("Upgrade", "(?i)^websocket$")
	}
	r.HandleFunc("/graphql", h.ServeGraphQL).Methods(http.MethodGet, http.MethodPost)
}

// ServeGraphQL accepts a JSON body on POST, or query, variables and
// operationName URL parameters on GET.
func (h *Handler) ServeGraphQL(w http.ResponseWriter, r *http.Request) {
	var req Request
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req.Query = q.Get("query")
		req.OperationName = q.Get("operationName")
		if vars := q.Get("variables"); vars != "" {
			if err := json.Unmarshal([]byte(vars), &req.Variables); err != nil {
				httputil.WriteError(w, http.StatusBadRequest, "variables must be a JSON object")
				return
			}
		}
	} else if err := httputil.DecodeJSON(w, r, maxRequestBytes, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Query == "" {
		httputil.WriteError(w, http.StatusBadRequest, "query is required")
		return
	}

	op, err := OperationType(req)
	switch {
	case errors.Is(err, ErrNoOperation):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		// Let the executor report syntax errors in GraphQL form.
	case op == ast.OperationTypeSubscription:
		httputil.WriteError(w, http.StatusBadRequest, "subscriptions require a websocket connection")
		return
	case op == ast.OperationTypeMutation && r.Method == http.MethodGet:
		httputil.WriteError(w, http.StatusMethodNotAllowed, "mutations require POST")
		return
	}

	result := h.exec.Do(r.Context(), req)
	if result.HasErrors() {
		h.log.Debug("graphql request returned errors", slog.Any("errors", result.Errors))
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}
