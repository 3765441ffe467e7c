package services

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Request body schemas, one per boundary operation.
const (
	SchemaCreateTask        = "create_task"
	SchemaVerifierCallback  = "verifier_callback"
	SchemaWithdrawalRequest = "withdrawal_request"
	SchemaUpdateProfile     = "update_profile"
	SchemaTelegramLogin     = "telegram_login"
	SchemaAdminLogin        = "admin_login"
	SchemaAssignDeposit     = "assign_deposit"
)

//go:embed schemas/*.json
var schemaFS embed.FS

type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles every embedded request schema.
func NewValidator() (*Validator, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat = true
	schemas := make(map[string]*jsonschema.Schema, len(entries))
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".json")
		data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", e.Name(), err)
		}
		url := "https://blackmirrow.market/schemas/" + e.Name()
		if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %q: %w", name, err)
		}
		if schemas[name], err = c.Compile(url); err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
	}
	return &Validator{schemas: schemas}, nil
}

// Decode validates body against the named schema, then unmarshals it into v.
func (v *Validator) Decode(schema string, body []byte, dst any) error {
	if err := v.Validate(schema, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// Validate performs hard reject: returns an error if body does not match the schema.
func (v *Validator) Validate(schema string, body []byte) error {
	s, ok := v.schemas[schema]
	if !ok {
		return fmt.Errorf("unknown schema %q", schema)
	}
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// ErrValidation can be used with errors.Is to detect malformed request bodies.
var ErrValidation = errors.New("validation failed")
