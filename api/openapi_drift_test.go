package api

import (
	"maps"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type openAPIParam struct {
	Ref  string `yaml:"$ref"`
	Name string `yaml:"name"`
	In   string `yaml:"in"`
}

type openAPIDoc struct {
	Paths      map[string]map[string]yaml.Node `yaml:"paths"`
	Components struct {
		Parameters map[string]openAPIParam `yaml:"parameters"`
	} `yaml:"components"`
}

var httpMethods = []string{"get", "put", "post", "delete", "patch"}

func loadOpenAPI(t *testing.T) openAPIDoc {
	t.Helper()
	var doc openAPIDoc
	require.NoError(t, yaml.Unmarshal(openapiSpec, &doc), "parsing openapi.yaml")
	return doc
}

// documentedRoutes lists "METHOD /path" for every operation in doc.
func documentedRoutes(doc openAPIDoc) []string {
	var out []string
	for path, item := range doc.Paths {
		for _, m := range httpMethods {
			if _, ok := item[m]; ok {
				out = append(out, strings.ToUpper(m)+" "+path)
			}
		}
	}
	slices.Sort(out)
	return out
}

// registeredRoutes walks the router, leaving out the spec and docs pages.
func registeredRoutes(t *testing.T) []string {
	t.Helper()
	// Router only registers handlers, so a zero API is enough.
	router := (&API{}).Router()
	seen := make(map[string]bool)
	err := chi.Walk(router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		route = strings.TrimRight(route, "/")
		if route == "/openapi.yaml" || strings.HasPrefix(route, "/docs") || strings.HasPrefix(route, "/redoc") {
			return nil
		}
		seen[method+" "+route] = true
		return nil
	})
	require.NoError(t, err)
	return slices.Sorted(maps.Keys(seen))
}

func TestOpenAPIMatchesRouter(t *testing.T) {
	documented := documentedRoutes(loadOpenAPI(t))
	registered := registeredRoutes(t)
	assert.ElementsMatch(t, registered, documented)

	for _, route := range []string{
		"GET /crls",
		"POST /crls/{ref}/publish",
		"POST /users/{name}/certs",
		"GET /history",
		"POST /cas",
		"POST /certs/{ref}/revoke",
	} {
		assert.Contains(t, registered, route)
		assert.Contains(t, documented, route)
	}
}

var pathParamRE = regexp.MustCompile(`\{([^}]+)\}`)

func TestOpenAPIDeclaresPathParameters(t *testing.T) {
	doc := loadOpenAPI(t)
	for path, item := range doc.Paths {
		declared := make(map[string]bool)
		if node, ok := item["parameters"]; ok {
			var params []openAPIParam
			require.NoError(t, node.Decode(&params), path)
			for _, p := range params {
				if name, ok := strings.CutPrefix(p.Ref, "#/components/parameters/"); ok {
					p = doc.Components.Parameters[name]
				}
				if p.In == "path" {
					declared[p.Name] = true
				}
			}
		}
		for _, m := range pathParamRE.FindAllStringSubmatch(path, -1) {
			assert.True(t, declared[m[1]], "%s does not declare path parameter %q", path, m[1])
		}
	}
}
