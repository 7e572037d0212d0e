// Package secrets resolves exchange and oracle credentials. With Vault
// enabled they are read from the KV v2 engine under
// {mount}/data/{secret_path}/{botConfigID}; disabled mode falls back to
// whatever the config carried from the environment.
package secrets

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"futures-ai-trader/config"
)

// Credentials is the full secret bundle for one bot.
type Credentials struct {
	BinanceAPIKey    string
	BinanceSecretKey string
	OracleAPIKey     string
}

// Resolver reads credentials from Vault with a read-through cache.
type Resolver struct {
	client *api.Client
	cfg    config.VaultConfig

	mu    sync.RWMutex
	cache map[string]*Credentials
}

// NewResolver creates a Resolver. With Vault disabled no connection is made.
func NewResolver(cfg config.VaultConfig) (*Resolver, error) {
	r := &Resolver{
		cfg:   cfg,
		cache: make(map[string]*Credentials),
	}
	if !cfg.Enabled {
		return r, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{CACert: cfg.CACert}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	r.client = client

	return r, nil
}

func (r *Resolver) secretPath(botConfigID string) string {
	return fmt.Sprintf("%s/data/%s/%s", r.cfg.MountPath, r.cfg.SecretPath, botConfigID)
}

// Resolve returns the credential bundle for a bot. With Vault disabled the
// fallback credentials from config are returned unchanged; they must be
// complete in that case.
func (r *Resolver) Resolve(ctx context.Context, botConfigID string, fallback Credentials) (*Credentials, error) {
	r.mu.RLock()
	if cached, ok := r.cache[botConfigID]; ok {
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	if !r.cfg.Enabled {
		if fallback.BinanceAPIKey == "" || fallback.BinanceSecretKey == "" {
			return nil, fmt.Errorf("vault disabled and no exchange credentials in environment")
		}
		return &fallback, nil
	}

	secret, err := r.client.Logical().ReadWithContext(ctx, r.secretPath(botConfigID))
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no credentials stored for bot %s", botConfigID)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format for bot %s", botConfigID)
	}

	creds := &Credentials{
		BinanceAPIKey:    getString(data, "binance_api_key"),
		BinanceSecretKey: getString(data, "binance_secret_key"),
		OracleAPIKey:     getString(data, "oracle_api_key"),
	}
	if creds.BinanceAPIKey == "" || creds.BinanceSecretKey == "" {
		return nil, fmt.Errorf("incomplete exchange credentials for bot %s", botConfigID)
	}
	// Oracle key may still come from the environment
	if creds.OracleAPIKey == "" {
		creds.OracleAPIKey = fallback.OracleAPIKey
	}

	r.mu.Lock()
	r.cache[botConfigID] = creds
	r.mu.Unlock()

	return creds, nil
}

// Store writes the credential bundle for a bot. Disabled mode caches it in
// memory only, which is enough for tests and local development.
func (r *Resolver) Store(ctx context.Context, botConfigID string, creds Credentials) error {
	if !r.cfg.Enabled {
		r.mu.Lock()
		r.cache[botConfigID] = &creds
		r.mu.Unlock()
		return nil
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"binance_api_key":    creds.BinanceAPIKey,
			"binance_secret_key": creds.BinanceSecretKey,
			"oracle_api_key":     creds.OracleAPIKey,
		},
	}

	if _, err := r.client.Logical().WriteWithContext(ctx, r.secretPath(botConfigID), secretData); err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}

	r.mu.Lock()
	r.cache[botConfigID] = &creds
	r.mu.Unlock()

	return nil
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
