package command

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Registry returns all admin commands keyed by "resource action".
func Registry() map[string]Command {
	commands := []Command{
		{
			Resource:     "route",
			Action:       "get",
			Target:       TargetRouter,
			Method:       "GET",
			PathTemplate: "/admin/routes/:key",
			Fields: []Field{
				{Name: "key", Aliases: []string{"challenge", "challenge_id"}, Prompt: "challenge_id", Type: FieldUUID, Required: true},
			},
		},
		{
			Resource:     "route",
			Action:       "set",
			Target:       TargetRouter,
			Method:       "PUT",
			PathTemplate: "/admin/routes/:key",
			Fields: []Field{
				{Name: "key", Aliases: []string{"challenge", "challenge_id"}, Prompt: "challenge_id", Type: FieldUUID, Required: true},
				{Name: "queue", Aliases: []string{"queue_identifier"}, Prompt: "queue_identifier", Type: FieldString, Required: true},
				{Name: "active", Prompt: "active (true/false)", Type: FieldBool, Required: true},
				{Name: "name", Aliases: []string{"display_name"}, Prompt: "display_name", Type: FieldString, Required: false},
			},
		},
		{
			Resource:     "queue",
			Action:       "depth",
			Target:       TargetWorker,
			Method:       "GET",
			PathTemplate: "/admin/queue",
		},
		{
			Resource:     "queue",
			Action:       "dead-letters",
			Target:       TargetWorker,
			Method:       "GET",
			PathTemplate: "/admin/queue/dead-letters",
			Fields: []Field{
				{Name: "count", Prompt: "count", Type: FieldInt, Required: false},
			},
		},
	}

	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		result[cmd.Key()] = cmd
	}
	return result
}

// BuildRequest creates the HTTP request for cmd.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	params.Canonicalize(cmd.Fields)
	if err := validate(cmd.Fields, params); err != nil {
		return RequestSpec{}, err
	}
	path, err := buildPath(cmd.PathTemplate, params)
	if err != nil {
		return RequestSpec{}, err
	}
	if query := buildQuery(cmd, params); query != "" {
		path += "?" + query
	}

	var body []byte
	if cmd.Method != "GET" && cmd.Method != "DELETE" {
		payload, err := buildPayload(cmd, params)
		if err != nil {
			return RequestSpec{}, err
		}
		if payload != nil {
			body, err = json.Marshal(payload)
			if err != nil {
				return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
			}
		}
	}

	return RequestSpec{
		Target: cmd.Target,
		Method: cmd.Method,
		Path:   path,
		Body:   body,
	}, nil
}

func validate(fields []Field, params Params) error {
	for _, field := range fields {
		value := params.Get(field.Name)
		if value == "" {
			if field.Required {
				return fmt.Errorf("missing parameter: %s", field.Name)
			}
			continue
		}
		switch field.Type {
		case FieldInt:
			if _, err := ParseInt(value); err != nil {
				return fmt.Errorf("invalid %s: %w", field.Name, err)
			}
		case FieldBool:
			if _, err := ParseBool(value); err != nil {
				return fmt.Errorf("invalid %s: %w", field.Name, err)
			}
		case FieldUUID:
			if _, err := uuid.Parse(value); err != nil {
				return fmt.Errorf("invalid %s: %w", field.Name, err)
			}
		}
	}
	return nil
}

func buildPath(template string, params Params) (string, error) {
	path := template
	for _, key := range []string{"key"} {
		placeholder := ":" + key
		if strings.Contains(path, placeholder) {
			value := params.Get(key)
			if value == "" {
				return "", fmt.Errorf("missing path parameter: %s", key)
			}
			path = strings.ReplaceAll(path, placeholder, url.PathEscape(strings.ToLower(value)))
		}
	}
	return path, nil
}

func buildQuery(cmd Command, params Params) string {
	if cmd.Key() != "queue dead-letters" || params.Get("count") == "" {
		return ""
	}
	return url.Values{"count": {params.Get("count")}}.Encode()
}

func buildPayload(cmd Command, params Params) (interface{}, error) {
	switch cmd.Key() {
	case "route set":
		active, err := ParseBool(params.Get("active"))
		if err != nil {
			return nil, fmt.Errorf("invalid active: %w", err)
		}
		payload := map[string]interface{}{
			"queueIdentifier": params.Get("queue"),
			"active":          active,
		}
		if params.Get("name") != "" {
			payload["displayName"] = params.Get("name")
		}
		return payload, nil
	}
	return nil, nil
}
