package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/systemshift/oaksearch/internal/server/content"
	"github.com/systemshift/oaksearch/internal/server/query"
)

const (
	querySelector = ".query.json"
	jsonExtension = ".json"
)

// HealthCheck handles GET /health
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
	})
}

// EnsureContent handles POST /bin/oak-search/ensurecontent
func (s *Server) EnsureContent(w http.ResponseWriter, r *http.Request) {
	result, err := s.seeder.Ensure(r.Context())
	if err != nil {
		log.Errorf("Failed to create users and groups: %v", err)
		http.Error(w, fmt.Sprintf("Failed to set up %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// Resource handles GET <path>.query.json and GET <path>.json
func (s *Server) Resource(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	switch {
	case strings.HasSuffix(p, querySelector):
		s.Query(w, r, resourcePath(strings.TrimSuffix(p, querySelector)))
	case strings.HasSuffix(p, jsonExtension):
		s.GetNode(w, r, resourcePath(strings.TrimSuffix(p, jsonExtension)))
	default:
		writeProblem(w, http.StatusNotFound, "Resource not found: "+p)
	}
}

// resourcePath maps the request path prefix to a node path; "/" and "" are the root
func resourcePath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}

// readableNode checks that path names a node the caller may read. It writes
// a 404 problem and returns false otherwise.
func (s *Server) readableNode(w http.ResponseWriter, r *http.Request, path string) bool {
	if err := content.ValidatePath(path); err != nil {
		writeProblem(w, http.StatusNotFound, "Resource not found: "+path)
		return false
	}
	exists, err := s.repo.NodeExists(r.Context(), path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return false
	}
	if !exists || !s.authorizer.Session(PrincipalFrom(r.Context())).CanRead(path) {
		writeProblem(w, http.StatusNotFound, "Resource not found: "+path)
		return false
	}
	return true
}

// Query runs an ad-hoc query in the context of the node at path
func (s *Server) Query(w http.ResponseWriter, r *http.Request, path string) {
	params := r.URL.Query()
	if !params.Has("query") {
		writeProblem(w, http.StatusBadRequest, "Parameter query required: No value present")
		return
	}
	req := query.Request{Query: params.Get("query"), Limit: s.runner.DefaultLimit()}
	if params.Has("limit") {
		raw := params.Get("limit")
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, fmt.Sprintf("Invalid value for parameter limit: For input string: %q", raw))
			return
		}
		req.Limit = limit
	}
	if err := req.Validate(); err != nil {
		writeProblem(w, http.StatusBadRequest, requestProblem(req))
		return
	}

	if !s.readableNode(w, r, path) {
		return
	}

	session := s.authorizer.Session(PrincipalFrom(r.Context()))
	result := s.runner.Run(r.Context(), req, session)

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(result)
}

func requestProblem(req query.Request) string {
	if req.Query == "" {
		return "Parameter query required: No value present"
	}
	return fmt.Sprintf("Invalid value for parameter limit: %d is not positive", req.Limit)
}

// GetNode returns the properties of the node at path
func (s *Server) GetNode(w http.ResponseWriter, r *http.Request, path string) {
	if !s.readableNode(w, r, path) {
		return
	}
	node, err := s.repo.GetNode(r.Context(), path)
	if errors.Is(err, content.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Resource not found: "+path)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(node.Map())
}

// ListIndexes handles GET /bin/oak-search/indexes
func (s *Server) ListIndexes(w http.ResponseWriter, r *http.Request) {
	defs, err := s.repo.ListIndexDefinitions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"indexes": defs,
		"count":   len(defs),
	})
}

// GetIndex handles GET /bin/oak-search/indexes/{name}
func (s *Server) GetIndex(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	def, err := s.repo.GetIndexDefinition(r.Context(), name)
	if errors.Is(err, content.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Index not found: "+name)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(def)
}

// PutIndex handles PUT /bin/oak-search/indexes/{name}. The body is a JSON or
// YAML definition; the rebuild runs in the background.
func (s *Server) PutIndex(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	def, err := decodeIndexDefinition(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid index definition: "+err.Error())
		return
	}
	def.Name = name
	if err := def.Validate(); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid index definition: "+err.Error())
		return
	}

	if err := s.indexer.Submit(r.Context(), def); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(def)
}

func decodeIndexDefinition(r *http.Request) (*content.IndexDefinition, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}

	var def content.IndexDefinition
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml":
		err = yaml.Unmarshal(body, &def)
	default:
		err = json.Unmarshal(body, &def)
	}
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// DeleteIndex handles DELETE /bin/oak-search/indexes/{name}
func (s *Server) DeleteIndex(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	err := s.indexer.Remove(r.Context(), name)
	if errors.Is(err, content.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Index not found: "+name)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"name":    name,
		"deleted": true,
	})
}

// ReindexIndex handles POST /bin/oak-search/indexes/{name}/reindex
func (s *Server) ReindexIndex(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	err := s.indexer.Trigger(r.Context(), name)
	if errors.Is(err, content.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Index not found: "+name)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
