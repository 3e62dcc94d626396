package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/untoldecay/engram/internal/app"
	"github.com/untoldecay/engram/internal/memory"
)

type browseNode struct {
	Path        string   `json:"path"`
	Domain      string   `json:"domain"`
	URI         string   `json:"uri"`
	Name        string   `json:"name"`
	Content     string   `json:"content"`
	Priority    int      `json:"priority"`
	Disclosure  string   `json:"disclosure,omitempty"`
	CreatedAt   string   `json:"created_at,omitempty"`
	Aliases     []string `json:"aliases"`
	GistText    string   `json:"gist_text,omitempty"`
	GistMethod  string   `json:"gist_method,omitempty"`
	GistQuality *float64 `json:"gist_quality,omitempty"`
	SourceHash  string   `json:"source_hash,omitempty"`
}

type breadcrumb struct {
	Path  string `json:"path"`
	Label string `json:"label"`
}

func breadcrumbsFor(path string) []breadcrumb {
	crumbs := []breadcrumb{}
	if path == "" {
		return crumbs
	}
	segments := strings.Split(path, "/")
	for i := range segments {
		crumbs = append(crumbs, breadcrumb{
			Path:  strings.Join(segments[:i+1], "/"),
			Label: segments[i],
		})
	}
	return crumbs
}

func pathName(path string) string {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path := memory.NormalizePath(r.URL.Query().Get("path"))
	domain := strings.TrimSpace(r.URL.Query().Get("domain"))
	if domain == "" {
		writeError(w, http.StatusBadRequest, "domain is required")
		return
	}

	// Virtual root lists the domain's top-level paths.
	if path == "" {
		children, err := s.app.Store.GetChildren(ctx, nil, domain)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"node": browseNode{
				Domain:  domain,
				URI:     domain + "://",
				Aliases: []string{},
			},
			"children":    children,
			"breadcrumbs": breadcrumbsFor(""),
		})
		return
	}

	mem, err := s.app.Store.GetMemoryByPath(ctx, path, domain)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	node := browseNode{
		Path:       path,
		Domain:     domain,
		URI:        memory.MakeURI(domain, path),
		Name:       pathName(path),
		Content:    mem.Content,
		Priority:   mem.Priority,
		Disclosure: mem.Disclosure,
		CreatedAt:  mem.CreatedAt.UTC().Format(time.RFC3339),
		Aliases:    []string{},
	}

	aliases, err := s.app.Store.GetAliases(ctx, mem.ID)
	if err == nil {
		for _, alias := range aliases {
			node.Aliases = append(node.Aliases, memory.MakeURI(alias.Domain, alias.Path))
		}
	}
	if gist, err := s.app.Store.GetLatestMemoryGist(ctx, mem.ID); err == nil && gist != nil {
		node.GistText = gist.GistText
		node.GistMethod = gist.GistMethod
		node.GistQuality = &gist.QualityScore
		node.SourceHash = gist.SourceHash
	}

	children, err := s.app.Store.GetChildren(ctx, &mem.ID, domain)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"node":        node,
		"children":    children,
		"breadcrumbs": breadcrumbsFor(path),
	})
}

type createNodeBody struct {
	ParentPath string `json:"parent_path"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	Priority   int    `json:"priority"`
	Disclosure string `json:"disclosure"`
	Domain     string `json:"domain"`
	SessionID  string `json:"session_id"`
	Bypass     bool   `json:"bypass_guard"`
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var body createNodeBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	result, err := s.app.CreateNode(r.Context(), app.CreateNodeParams{
		SessionID:  body.SessionID,
		ParentPath: body.ParentPath,
		Title:      body.Title,
		Content:    body.Content,
		Priority:   body.Priority,
		Disclosure: body.Disclosure,
		Domain:     body.Domain,
		Bypass:     body.Bypass,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	payload := map[string]any{
		"success": true,
		"created": result.Created,
		"guard":   result.Guard,
	}
	if result.Message != "" {
		payload["message"] = result.Message
	}
	if result.Memory != nil {
		payload["uri"] = result.Memory.URI
		payload["path"] = result.Memory.Path
		payload["memory_id"] = result.Memory.ID
	}
	writeJSON(w, http.StatusOK, payload)
}

type updateNodeBody struct {
	Content    *string `json:"content"`
	Priority   *int    `json:"priority"`
	Disclosure *string `json:"disclosure"`
	SessionID  string  `json:"session_id"`
	Bypass     bool    `json:"bypass_guard"`
}

func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	path := memory.NormalizePath(r.URL.Query().Get("path"))
	domain := strings.TrimSpace(r.URL.Query().Get("domain"))
	if path == "" || domain == "" {
		writeError(w, http.StatusBadRequest, "path and domain are required")
		return
	}
	var body updateNodeBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	result, err := s.app.UpdateNode(r.Context(), app.UpdateNodeParams{
		SessionID:  body.SessionID,
		Path:       path,
		Domain:     domain,
		Content:    body.Content,
		Priority:   body.Priority,
		Disclosure: body.Disclosure,
		Bypass:     body.Bypass,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	payload := map[string]any{
		"success": true,
		"updated": result.Updated,
	}
	if result.Guard != nil {
		payload["guard"] = result.Guard
	}
	if result.Message != "" {
		payload["message"] = result.Message
	}
	if result.Result != nil {
		payload["versioned"] = result.Result.Versioned
		payload["memory_id"] = result.Result.NewMemoryID
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	path := memory.NormalizePath(r.URL.Query().Get("path"))
	domain := strings.TrimSpace(r.URL.Query().Get("domain"))
	if path == "" || domain == "" {
		writeError(w, http.StatusBadRequest, "path and domain are required")
		return
	}

	result, err := s.app.RemoveNode(r.Context(), r.URL.Query().Get("session_id"), path, domain)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"removed":  result.Removed,
		"orphaned": result.Orphaned,
	})
}
