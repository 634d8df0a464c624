// Package secrets exposes the secret vault to the model. Plaintext never
// flows back through tool results; callers get placeholders and ciphertext
// tokens that the router resolves at execution time.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/orchbot/orchbot/internal/tools"
	"github.com/orchbot/orchbot/internal/vault"
)

// Tool manages named secrets through the vault.
type Tool struct {
	vault *vault.Vault
}

// New creates the secret tool.
func New(v *vault.Vault) *Tool {
	return &Tool{vault: v}
}

func (t *Tool) Name() string { return "secret" }
func (t *Tool) Description() string {
	return "Store, list, and remove named secrets. Reference a stored secret as {{secret:name}}; it is resolved only when a tool actually runs."
}

func (t *Tool) Schema() json.RawMessage {
	return tools.ObjectSchema(map[string]any{
		"action": map[string]any{
			"type": "string",
			"enum": []any{"set", "get_cipher", "list", "remove", "inspect"},
		},
		"name":  map[string]any{"type": "string"},
		"value": map[string]any{"type": "string", "description": "Plaintext for set. Never echoed back."},
		"text":  map[string]any{"type": "string", "description": "Text to inspect for secret references."},
	}, []string{"action"})
}

func (t *Tool) Execute(ctx context.Context, params map[string]any, tc *tools.Context) (string, error) {
	action, _ := params["action"].(string)
	rawName, _ := params["name"].(string)
	name := vault.NormalizeName(rawName)
	if name == "" && (action == "set" || action == "get_cipher" || action == "remove") {
		return tools.Errorf("invalid secret name %q: use lowercase letters, digits, and _.-", rawName), nil
	}
	switch action {
	case "set":
		value, _ := params["value"].(string)
		if value == "" {
			return tools.Errorf("value is required for set"), nil
		}
		if err := t.vault.Put(name, value); err != nil {
			return tools.Errorf("store secret: %v", err), nil
		}
		return fmt.Sprintf("Secret stored. Reference it as {{secret:%s}}.", name), nil
	case "get_cipher":
		cipher, err := t.vault.GetCipher(name)
		if err != nil {
			return tools.Errorf("%v", err), nil
		}
		if cipher == "" {
			return tools.Errorf("no secret named %s", name), nil
		}
		return cipher, nil
	case "list":
		names, err := t.vault.ListNames()
		if err != nil {
			return tools.Errorf("list secrets: %v", err), nil
		}
		if len(names) == 0 {
			return "No secrets stored.", nil
		}
		return strings.Join(names, "\n"), nil
	case "remove":
		if err := t.vault.Remove(name); err != nil {
			return tools.Errorf("remove secret: %v", err), nil
		}
		return fmt.Sprintf("Secret %s removed.", name), nil
	case "inspect":
		text, _ := params["text"].(string)
		report := t.vault.InspectReferences(text)
		raw, err := json.Marshal(report)
		if err != nil {
			return tools.Errorf("encode report: %v", err), nil
		}
		return string(raw), nil
	default:
		return tools.Errorf("unknown action %q", action), nil
	}
}
