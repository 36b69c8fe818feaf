package openapi

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/mhartley/printflow-go/internal/api"
	"github.com/mhartley/printflow-go/internal/apperrors"
	"github.com/mhartley/printflow-go/internal/config"
)

// Default paths to search for the OpenAPI spec
var defaultSpecPaths = []string{
	// Relative to Go project root
	"assets/openapi/printflow.v1.yaml",
	// Installed location
	"/etc/printflow/openapi/printflow.v1.yaml",
}

// RegisterRoutes wires OpenAPI routes to the router.
func RegisterRoutes(router chi.Router, cfg config.Config) {
	router.Method(http.MethodGet, "/v1/openapi", api.Handler(serveOpenAPIYAML(cfg)))
	router.Method(http.MethodGet, "/v1/openapi.json", api.Handler(serveOpenAPIJSON(cfg)))
}

// findSpecPath locates the OpenAPI spec file
func findSpecPath(cfg config.Config) string {
	if cfg.OpenAPISpecPath != "" {
		if _, err := os.Stat(cfg.OpenAPISpecPath); err == nil {
			return cfg.OpenAPISpecPath
		}
	}

	for _, path := range defaultSpecPaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		if _, err := os.Stat(absPath); err == nil {
			return absPath
		}
	}

	return ""
}

// readSpec locates and loads the spec document.
func readSpec(cfg config.Config) ([]byte, error) {
	specPath := findSpecPath(cfg)
	if specPath == "" {
		return nil, apperrors.NewInternalError("OpenAPI specification file not found")
	}
	spec, err := os.ReadFile(specPath)
	if err != nil {
		return nil, apperrors.NewInternalError("Failed to read OpenAPI specification")
	}
	return spec, nil
}

func serveOpenAPIYAML(cfg config.Config) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		spec, err := readSpec(cfg)
		if err != nil {
			return err
		}

		w.Header().Set("Content-Type", "text/yaml; charset=utf-8")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(spec)
		return nil
	}
}

func serveOpenAPIJSON(cfg config.Config) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		spec, err := readSpec(cfg)
		if err != nil {
			return err
		}

		// Parse YAML and convert to JSON
		var parsed any
		if err := yaml.Unmarshal(spec, &parsed); err != nil {
			return apperrors.NewInternalError("Failed to parse OpenAPI specification")
		}

		w.Header().Set("Access-Control-Allow-Origin", "*")
		return api.WriteJSON(w, http.StatusOK, parsed)
	}
}
