// Package config loads and validates agentsettings.json: the
// collaborator-provided configuration file consumed at process start by
// cmd/kraken-agent. It performs no business logic, only decoding,
// environment-overlay merging, and schema validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/krakendeploy-com/kraken-agent/internal/model"
)

// schemaDoc is the embedded shape contract for agentsettings.json. A
// startup config that fails this schema is a fatal error: the agent would
// otherwise fail much later and less legibly on a missing AgentApi.Url.
const schemaDoc = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["Agent", "AgentApi", "Auth"],
  "properties": {
    "Agent": {
      "type": "object",
      "required": ["Id", "WorkspaceId"],
      "properties": {
        "Id": {"type": "string", "minLength": 1},
        "WorkspaceId": {"type": "string", "minLength": 1},
        "OrganizationId": {"type": "string"}
      }
    },
    "AgentApi": {
      "type": "object",
      "required": ["Url"],
      "properties": {"Url": {"type": "string", "minLength": 1}}
    },
    "Auth": {
      "type": "object",
      "required": ["Url"],
      "properties": {"Url": {"type": "string", "minLength": 1}}
    }
  }
}`

const schemaResourceURL = "https://kraken-agent.local/schemas/agentsettings.schema.json"

// rawSettings mirrors agentsettings.json's wire shape.
type rawSettings struct {
	Agent struct {
		ID             string `json:"Id"`
		WorkspaceID    string `json:"WorkspaceId"`
		OrganizationID string `json:"OrganizationId"`
	} `json:"Agent"`
	AgentAPI struct {
		URL string `json:"Url"`
	} `json:"AgentApi"`
	Auth struct {
		URL string `json:"Url"`
	} `json:"Auth"`
}

// Settings is the decoded, validated configuration.
type Settings struct {
	Identity model.AgentIdentity
	Endpoint model.EndpointConfig
}

func compileSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaResourceURL, strings.NewReader(schemaDoc)); err != nil {
		return nil, fmt.Errorf("config: load schema: %w", err)
	}
	return c.Compile(schemaResourceURL)
}

// Load reads agentsettings.json from dir, layering agentsettings.<overlay>.json
// on top when overlay is non-empty, validates the merged document against
// the embedded schema, and decodes it into Settings.
func Load(dir, overlay string) (Settings, error) {
	schema, err := compileSchema()
	if err != nil {
		return Settings{}, err
	}

	merged, err := loadAndMerge(dir, overlay)
	if err != nil {
		return Settings{}, err
	}

	if err := schema.Validate(merged); err != nil {
		return Settings{}, fmt.Errorf("config: agentsettings.json failed schema validation: %w", err)
	}

	encoded, err := json.Marshal(merged)
	if err != nil {
		return Settings{}, fmt.Errorf("config: re-encode merged settings: %w", err)
	}
	var raw rawSettings
	if err := json.Unmarshal(encoded, &raw); err != nil {
		return Settings{}, fmt.Errorf("config: decode merged settings: %w", err)
	}

	agentID, err := uuid.Parse(raw.Agent.ID)
	if err != nil {
		return Settings{}, fmt.Errorf("config: Agent.Id is not a valid UUID: %w", err)
	}

	return Settings{
		Identity: model.AgentIdentity{
			AgentID:        agentID,
			WorkspaceID:    raw.Agent.WorkspaceID,
			OrganizationID: raw.Agent.OrganizationID,
		},
		Endpoint: model.EndpointConfig{
			AgentAPIURL: raw.AgentAPI.URL,
			AuthURL:     raw.Auth.URL,
		},
	}, nil
}

// loadAndMerge reads the base file and shallow-merges the overlay file (if
// named and present) on top, key by key at each object level.
func loadAndMerge(dir, overlay string) (map[string]any, error) {
	base, err := readJSONObject(dir + "/agentsettings.json")
	if err != nil {
		return nil, fmt.Errorf("config: read agentsettings.json: %w", err)
	}

	if overlay == "" {
		return base, nil
	}

	overlayPath := fmt.Sprintf("%s/agentsettings.%s.json", dir, overlay)
	if _, statErr := os.Stat(overlayPath); os.IsNotExist(statErr) {
		return base, nil
	}

	over, err := readJSONObject(overlayPath)
	if err != nil {
		return nil, fmt.Errorf("config: read overlay %s: %w", overlayPath, err)
	}
	return shallowMerge(base, over), nil
}

func readJSONObject(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

func shallowMerge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if baseChild, ok := out[k].(map[string]any); ok {
			if overChild, ok := v.(map[string]any); ok {
				out[k] = shallowMerge(baseChild, overChild)
				continue
			}
		}
		out[k] = v
	}
	return out
}
