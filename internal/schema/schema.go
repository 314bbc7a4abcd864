// Package schema validates API request bodies against the JSON Schemas
// embedded in schemas/.
package schema

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/qri-io/jsonschema"
)

// Request body schema names.
const (
	Signup   = "signup"
	Signin   = "signin"
	Account  = "account"
	Password = "password"
	Profile  = "profile"
	Analysis = "analysis"
)

//go:embed schemas/*.json
var files embed.FS

var (
	loadOnce sync.Once
	compiled map[string]*jsonschema.Schema
	loadErr  error
)

func load() {
	entries, err := files.ReadDir("schemas")
	if err != nil {
		loadErr = fmt.Errorf("read embedded schemas: %w", err)
		return
	}
	out := make(map[string]*jsonschema.Schema, len(entries))
	for _, e := range entries {
		data, err := files.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			loadErr = fmt.Errorf("read schema %s: %w", e.Name(), err)
			return
		}
		rs := &jsonschema.Schema{}
		if err := json.Unmarshal(data, rs); err != nil {
			loadErr = fmt.Errorf("compile schema %s: %w", e.Name(), err)
			return
		}
		out[strings.TrimSuffix(e.Name(), ".json")] = rs
	}
	compiled = out
}

// Names lists the available schemas.
func Names() []string {
	loadOnce.Do(load)
	names := make([]string, 0, len(compiled))
	for n := range compiled {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks body against the named schema and returns one message per
// violation. The error is non-nil only when the schema is unknown or body
// is not JSON.
func Validate(ctx context.Context, name string, body []byte) ([]string, error) {
	loadOnce.Do(load)
	if loadErr != nil {
		return nil, loadErr
	}
	rs, ok := compiled[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", name)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("body is not valid JSON")
	}

	verrs, err := rs.ValidateBytes(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("validate %s: %w", name, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, ke := range verrs {
		field := strings.TrimPrefix(ke.PropertyPath, "/")
		if field == "" {
			msgs = append(msgs, ke.Message)
			continue
		}
		msgs = append(msgs, field+": "+ke.Message)
	}
	return msgs, nil
}
