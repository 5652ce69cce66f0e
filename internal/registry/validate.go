package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/MrWong99/mcprouter/internal/mcp"
)

var schemaCache sync.Map // key -> *jsonschema.Schema

func schemaCacheKey(name string, schema json.RawMessage) string {
	sum := sha256.Sum256(schema)
	return name + ":" + hex.EncodeToString(sum[:])
}

func compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	key := schemaCacheKey(name, schema)
	if v, ok := schemaCache.Load(key); ok {
		return v.(*jsonschema.Schema), nil
	}
	s, err := jsonschema.CompileString(name+".json", string(schema))
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, s)
	return s, nil
}

// validateServer checks the fields every registration must carry and that
// advertised schemas compile.
func validateServer(info *mcp.ServerInfo) error {
	switch {
	case info == nil:
		return mcp.NewError(mcp.ErrValidation, "Server info is required")
	case strings.TrimSpace(info.ID) == "":
		return mcp.NewError(mcp.ErrValidation, "Server ID is required")
	case strings.TrimSpace(info.Name) == "":
		return mcp.NewError(mcp.ErrValidation, "Server name is required")
	case info.Config == nil:
		return mcp.NewError(mcp.ErrValidation, "Server config object is required")
	case info.Capabilities == nil:
		return mcp.NewError(mcp.ErrValidation, "Server capabilities must be an array")
	}
	if info.Status != "" && !info.Status.IsValid() {
		return mcp.NewError(mcp.ErrValidation, fmt.Sprintf("Invalid server status: %s", info.Status))
	}

	for i, c := range info.Capabilities {
		if strings.TrimSpace(c.Name) == "" {
			return mcp.NewError(mcp.ErrValidation, fmt.Sprintf("Capability %d name is required", i))
		}
		if len(c.InputSchema) > 0 {
			if _, err := compileSchema(info.ID+"."+c.Name+".input", c.InputSchema); err != nil {
				return mcp.NewError(mcp.ErrValidation,
					fmt.Sprintf("Capability %s has an invalid input schema: %v", c.Name, err))
			}
		}
		if len(c.OutputSchema) > 0 {
			if _, err := compileSchema(info.ID+"."+c.Name+".output", c.OutputSchema); err != nil {
				return mcp.NewError(mcp.ErrValidation,
					fmt.Sprintf("Capability %s has an invalid output schema: %v", c.Name, err))
			}
		}
	}
	return nil
}

func firstLeafValidationError(err *jsonschema.ValidationError) *jsonschema.ValidationError {
	if len(err.Causes) == 0 {
		return err
	}
	for _, c := range err.Causes {
		if leaf := firstLeafValidationError(c); leaf != nil {
			return leaf
		}
	}
	return err
}

// ValidateToolArguments checks args against the input schema serverID
// advertises for tool. Tools without a schema accept any arguments.
func (r *Registry) ValidateToolArguments(serverID, tool string, args any) error {
	r.mu.RLock()
	e, ok := r.servers[serverID]
	var schema json.RawMessage
	if ok {
		for _, c := range e.info.Capabilities {
			if c.Name == tool {
				schema = c.InputSchema
				break
			}
		}
	}
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("registry: validate arguments: %w",
			mcp.NewError(mcp.ErrNotFound, fmt.Sprintf("Server not found: %s", serverID)))
	}
	if len(schema) == 0 {
		return nil
	}

	s, err := compileSchema(serverID+"."+tool+".input", schema)
	if err != nil {
		return fmt.Errorf("registry: invalid input schema for %s: %w", tool, err)
	}
	if err := s.Validate(args); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			leaf := firstLeafValidationError(ve)
			loc := leaf.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msg := leaf.Message
			if msg == "" {
				msg = leaf.Error()
			}
			return mcp.NewError(mcp.ErrValidation,
				fmt.Sprintf("Arguments for %s failed validation at %s: %s", tool, loc, msg))
		}
		return fmt.Errorf("registry: validate arguments for %s: %w", tool, err)
	}
	return nil
}
