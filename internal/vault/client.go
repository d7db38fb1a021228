package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"aifx-advisor/config"
)

// Credentials are the external-service secrets the advisor loads at
// startup: ranked provider API keys plus transport tokens. Stored as
// one KV v2 secret so a rotation is a single write.
type Credentials struct {
	ProviderKeys map[string]string `json:"provider_keys"` // provider name -> api key
	DiscordToken string            `json:"discord_token"`
	LineToken    string            `json:"line_token"`
	SMTPPassword string            `json:"smtp_password"`
	JWTSecret    string            `json:"jwt_secret"`
}

// Client wraps the HashiCorp Vault client. With Vault disabled every
// read falls through to the seeded cache, which keeps local runs and
// tests off the network.
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu     sync.RWMutex
	cached *Credentials
}

// NewClient creates a Vault client from configuration.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// IsEnabled returns whether Vault is enabled.
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Seed places credentials in the cache. Used when Vault is disabled and
// secrets come from the environment instead.
func (c *Client) Seed(creds *Credentials) {
	c.mu.Lock()
	c.cached = creds
	c.mu.Unlock()
}

// Load reads the credential secret, serving the cache on repeat calls.
func (c *Client) Load(ctx context.Context) (*Credentials, error) {
	c.mu.RLock()
	if c.cached != nil {
		cached := c.cached
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, fmt.Errorf("credentials not seeded and vault is disabled")
	}

	path := fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("credentials not found at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format at %s", path)
	}

	creds := &Credentials{
		ProviderKeys: make(map[string]string),
		DiscordToken: getString(data, "discord_token"),
		LineToken:    getString(data, "line_token"),
		SMTPPassword: getString(data, "smtp_password"),
		JWTSecret:    getString(data, "jwt_secret"),
	}
	if raw, ok := data["provider_keys"].(map[string]interface{}); ok {
		for name, v := range raw {
			if key, ok := v.(string); ok {
				creds.ProviderKeys[name] = key
			}
		}
	}

	c.mu.Lock()
	c.cached = creds
	c.mu.Unlock()
	return creds, nil
}

// Store writes the credential secret and refreshes the cache.
func (c *Client) Store(ctx context.Context, creds *Credentials) error {
	if !c.config.Enabled {
		c.Seed(creds)
		return nil
	}

	providerKeys := make(map[string]interface{}, len(creds.ProviderKeys))
	for name, key := range creds.ProviderKeys {
		providerKeys[name] = key
	}
	path := fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
	_, err := c.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"data": map[string]interface{}{
			"provider_keys": providerKeys,
			"discord_token": creds.DiscordToken,
			"line_token":    creds.LineToken,
			"smtp_password": creds.SMTPPassword,
			"jwt_secret":    creds.JWTSecret,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}

	c.mu.Lock()
	c.cached = creds
	c.mu.Unlock()
	return nil
}

// ClearCache drops the cached credentials so the next Load re-reads.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// Health checks the Vault connection.
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
