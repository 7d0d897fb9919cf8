package config

import "errors"

// defaultsProvider feeds the built-in configuration to koanf.
type defaultsProvider struct{}

func (defaultsProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("defaults provider does not support ReadBytes")
}

func (defaultsProvider) Read() (map[string]interface{}, error) {
	return map[string]interface{}{
		"providers": map[string]interface{}{
			"anthropic": map[string]interface{}{
				"name":        "Anthropic",
				"model":       "claude-sonnet-4-20250514",
				"api_key_env": []interface{}{"ANTHROPIC_API_KEY"},
				"base_url":    "https://api.anthropic.com",
				"max_tokens":  4096,
				"timeout":     "120s",
			},
			"openai": map[string]interface{}{
				"name":        "OpenAI",
				"model":       "gpt-4o",
				"api_key_env": []interface{}{"OPENAI_API_KEY"},
				"base_url":    "https://api.openai.com",
				"max_tokens":  4096,
				"timeout":     "120s",
			},
			"gemini": map[string]interface{}{
				"name":        "Gemini",
				"model":       "gemini-1.5-pro",
				"api_key_env": []interface{}{"GEMINI_API_KEY", "GOOGLE_API_KEY"},
				"base_url":    "https://generativelanguage.googleapis.com",
				"max_tokens":  4096,
				"timeout":     "120s",
			},
		},
		"dispatch": map[string]interface{}{
			"max_retries": 3,
			"base_delay":  "1s",
		},
		"conversation": map[string]interface{}{
			"path":            "data/conversations/conversation.json",
			"dir":             "data/conversations",
			"comparisons_dir": "conversation_comparisons",
			"replay_provider": "Anthropic",
		},
		"server": map[string]interface{}{
			"addr":      ":3000",
			"ask_rate":  1.0,
			"ask_burst": 5,
		},
		"log": map[string]interface{}{
			"level":  "info",
			"format": "text",
		},
	}, nil
}
