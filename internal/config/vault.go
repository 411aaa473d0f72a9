package config

import (
	"fmt"

	"github.com/hashicorp/vault/api"
)

// SecretManager wraps the Vault API client for reading secrets.
type SecretManager struct {
	client *api.Client
}

// NewSecretManager creates a Vault client pointed at the given address
// and authenticated with the provided token.
func NewSecretManager(address, token string) (*SecretManager, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client initialization failed: %w", err)
	}
	client.SetToken(token)

	return &SecretManager{client: client}, nil
}

// GetKV2 reads from a KV v2 backend and returns the inner "data" map,
// unwrapping the v2 envelope automatically.
func (s *SecretManager) GetKV2(path string) (map[string]interface{}, error) {
	secret, err := s.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no data found at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected data format at %s", path)
	}
	return data, nil
}

// ApplySecrets overlays Vault-sourced values onto the config. Only keys
// present in the secret are touched.
func (c *Config) ApplySecrets(secrets map[string]interface{}) {
	if v, ok := secrets["AWS_ACCESS_KEY_ID"].(string); ok {
		c.ObjectStore.AccessKeyID = v
	}
	if v, ok := secrets["AWS_SECRET_ACCESS_KEY"].(string); ok {
		c.ObjectStore.SecretAccessKey = v
	}
	if v, ok := secrets["NATS_URL"].(string); ok {
		c.NATSURL = v
	}
}
