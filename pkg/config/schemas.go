package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"
)

var (
	appNamePattern  = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
	unitNamePattern = regexp.MustCompile(`^[a-zA-Z0-9:_.@-]+$`)
)

// appConfigSchema closes every record: unknown keys and wrong types are
// rejected when a config file is loaded.
const appConfigSchema = `
#Record: {
	needs_venv?:           bool
	startup_script?:       string
	port?:                 int & >=0 & <=65535
	backup_path?:          string | null
	restart_service?:      string | null
	use_symlinks?:         bool
	pre_deploy_commands?:  [...string]
	post_deploy_commands?: [...string]
	exclude?:              [...string]
	description?:          string
}

#AppConfig: [=~"^[a-zA-Z0-9_.-]+$"]: #Record

#GlobalSettings: {
	local: {
		ssh_username: string
	}
	environments: [...string & =~"^[a-zA-Z0-9_.-]+$"]
}

#LocalDeployment: {
	name:                  string & =~"^[a-zA-Z0-9_.-]+$"
	description?:          string | null
	source_path:           string
	target_path:           string
	backup_path?:          string | null
	restart_service?:      string | null
	use_symlinks?:         bool
	pre_deploy_commands?:  [...string]
	post_deploy_commands?: [...string]
	needs_venv?:           bool
	startup_script?:       string | null
	exclude?:              [...string]
}
`

// Schema names accepted by Schemas.Validate.
const (
	SchemaAppConfig       = "#AppConfig"
	SchemaGlobalSettings  = "#GlobalSettings"
	SchemaLocalDeployment = "#LocalDeployment"
)

// Schemas validates JSON documents against the closed CUE definitions.
type Schemas struct {
	mu   sync.Mutex
	ctx  *cue.Context
	root cue.Value
}

// NewSchemas compiles the built-in definitions.
func NewSchemas() (*Schemas, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(appConfigSchema)
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}
	return &Schemas{ctx: ctx, root: root}, nil
}

// Validate unifies the JSON document data with the named definition.
func (s *Schemas) Validate(name string, data []byte) error {
	// cue.Context is not safe for concurrent use.
	s.mu.Lock()
	defer s.mu.Unlock()

	def := s.root.LookupPath(cue.ParsePath(name))
	if !def.Exists() {
		return fmt.Errorf("schema %s not found", name)
	}

	doc := s.ctx.CompileBytes(data)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("failed to parse document: %w", err)
	}

	unified := def.Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator with the custom rules registered.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("appname", func(fl validator.FieldLevel) bool {
			return ValidAppName(fl.Field().String())
		})
		_ = validate.RegisterValidation("unitname", func(fl validator.FieldLevel) bool {
			return unitNamePattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// ValidAppName reports whether name is usable as a single path segment.
func ValidAppName(name string) bool {
	return name != "." && name != ".." && appNamePattern.MatchString(name)
}

// DecodeAppConfig validates raw config file content and decodes it.
func (s *Schemas) DecodeAppConfig(data []byte) (AppConfig, error) {
	if err := s.Validate(SchemaAppConfig, data); err != nil {
		return nil, err
	}

	var cfg AppConfig
	if err := decodeStrict(data, &cfg); err != nil {
		return nil, err
	}
	for env, rec := range cfg {
		if rec == nil {
			return nil, fmt.Errorf("environment %s: record is null", env)
		}
		if err := Validator().Struct(rec); err != nil {
			return nil, fmt.Errorf("environment %s: %w", env, err)
		}
	}
	return cfg, nil
}

// DecodeGlobalSettings validates raw global.json content and decodes it.
func (s *Schemas) DecodeGlobalSettings(data []byte) (*GlobalSettings, error) {
	if err := s.Validate(SchemaGlobalSettings, data); err != nil {
		return nil, err
	}
	var settings GlobalSettings
	if err := decodeStrict(data, &settings); err != nil {
		return nil, err
	}
	if err := Validator().Struct(&settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode: %w", err)
	}
	return nil
}
