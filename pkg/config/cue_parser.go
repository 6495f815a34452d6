package config

import (
	"context"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// CUEParser reads deployment files written in CUE. The file must define a
// top-level `deployment` struct. Inputs are filled into top-level fields the
// file declares, so `env: string` receives the environment being deployed.
type CUEParser struct {
	schemas  *Schemas
	vars     map[string]any
	filename string
}

// NewCUEParser creates a parser. filename is used in error positions.
func NewCUEParser(schemas *Schemas, filename string, vars map[string]any) *CUEParser {
	return &CUEParser{schemas: schemas, vars: vars, filename: filename}
}

// Parse implements Parser.
func (p *CUEParser) Parse(_ context.Context, text string) (*LocalDeployment, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(text, cue.Filename(p.filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	for name, input := range p.vars {
		path := cue.ParsePath(name)
		if !val.LookupPath(path).Exists() {
			continue
		}
		val = val.FillPath(path, input)
	}

	dep := val.LookupPath(cue.ParsePath("deployment"))
	if !dep.Exists() {
		return nil, fmt.Errorf("file does not define a top-level `deployment`")
	}
	if err := dep.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	var doc map[string]any
	if err := dep.Decode(&doc); err != nil {
		return nil, fmt.Errorf("`deployment` must be a struct: %w", err)
	}
	return finishDeployment(p.schemas, doc)
}

// convertCUEErrors flattens a CUE error list into one error, one
// "file:line:col: message" entry per problem.
func convertCUEErrors(err error) error {
	var msgs []string
	for _, e := range cueerrors.Errors(err) {
		msg := cueerrors.Details(e, nil)
		if pos := cueerrors.Positions(e); len(pos) > 0 && pos[0].Filename() != "" {
			msg = fmt.Sprintf("%s:%d:%d: %s", pos[0].Filename(), pos[0].Line(), pos[0].Column(), strings.TrimSpace(msg))
		}
		msgs = append(msgs, strings.TrimSpace(msg))
	}
	if len(msgs) == 0 {
		return err
	}
	return fmt.Errorf("invalid CUE: %s", strings.Join(msgs, "; "))
}
