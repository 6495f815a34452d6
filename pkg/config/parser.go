package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// Parser turns configuration text into a validated LocalDeployment.
type Parser interface {
	Parse(ctx context.Context, text string) (*LocalDeployment, error)
}

// YAMLParser reads YAML or JSON deployment documents.
type YAMLParser struct {
	schemas *Schemas
}

// NewYAMLParser creates a parser that validates against schemas.
func NewYAMLParser(schemas *Schemas) *YAMLParser {
	return &YAMLParser{schemas: schemas}
}

// Parse implements Parser.
func (p *YAMLParser) Parse(_ context.Context, text string) (*LocalDeployment, error) {
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse deployment document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("deployment document is empty")
	}
	return finishDeployment(p.schemas, doc)
}

// StarlarkParser evaluates a Starlark script and reads its top-level
// `deployment` value, a dict or struct.
type StarlarkParser struct {
	schemas   *Schemas
	evaluator *StarlarkEvaluator
	vars      map[string]any
}

// NewStarlarkParser creates a parser. vars are predeclared in the script,
// for example {"env": "prod"}.
func NewStarlarkParser(schemas *Schemas, timeout time.Duration, vars map[string]any) *StarlarkParser {
	return &StarlarkParser{
		schemas:   schemas,
		evaluator: NewStarlarkEvaluator(timeout),
		vars:      vars,
	}
}

// Parse implements Parser.
func (p *StarlarkParser) Parse(ctx context.Context, text string) (*LocalDeployment, error) {
	globals, err := p.evaluator.Evaluate(ctx, text, p.vars)
	if err != nil {
		return nil, err
	}

	raw, ok := globals["deployment"]
	if !ok {
		return nil, fmt.Errorf("script does not define a top-level `deployment`")
	}
	doc, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("`deployment` must be a dict or struct, got %T", raw)
	}
	return finishDeployment(p.schemas, doc)
}

// ParseFile reads path and parses it with the parser matching its
// extension: .star for Starlark, .cue for CUE, anything else as YAML/JSON.
func ParseFile(ctx context.Context, schemas *Schemas, path string, vars map[string]any) (*LocalDeployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var parser Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".star", ".starlark":
		parser = NewStarlarkParser(schemas, 0, vars)
	case ".cue":
		parser = NewCUEParser(schemas, filepath.Base(path), vars)
	default:
		parser = NewYAMLParser(schemas)
	}

	dep, err := parser.Parse(ctx, string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return dep, nil
}

// finishDeployment validates doc against the closed schema, decodes it and
// expands ~ in paths.
func finishDeployment(schemas *Schemas, doc map[string]any) (*LocalDeployment, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode deployment: %w", err)
	}
	if err := schemas.Validate(SchemaLocalDeployment, data); err != nil {
		return nil, err
	}

	var dep LocalDeployment
	if err := decodeStrict(data, &dep); err != nil {
		return nil, err
	}

	for _, path := range []*string{&dep.SourcePath, &dep.TargetPath, &dep.BackupPath} {
		expanded, err := homedir.Expand(*path)
		if err != nil {
			return nil, fmt.Errorf("failed to expand %s: %w", *path, err)
		}
		*path = expanded
	}

	if err := dep.Validate(); err != nil {
		return nil, err
	}
	return &dep, nil
}
