// Package secrets defines the secret store contract backing key
// material for the signature verifier and audit chain, plus simple
// env and file backends.
//
// Keys are namespaced per agent: agents/{agent_id}/secrets/{name}.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/aegis/pkg/models"
)

// ErrNotFound reports a missing secret.
var ErrNotFound = errors.New("secret not found")

// Secret is a value plus free-form metadata.
type Secret struct {
	Value    string            `json:"value" yaml:"value"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Store is the secret backend contract.
type Store interface {
	// GetSecret returns the secret at key, or ErrNotFound.
	GetSecret(ctx context.Context, key string) (Secret, error)

	// ListSecrets returns all known secret keys.
	ListSecrets(ctx context.Context) ([]string, error)
}

// AgentKey builds the namespaced key for an agent-scoped secret.
func AgentKey(agentID models.AgentID, name string) string {
	return fmt.Sprintf("agents/%s/secrets/%s", agentID, name)
}

// EnvStore resolves secrets from environment variables. The key is
// uppercased with path separators replaced, under an optional prefix:
// agents/x/secrets/api_key → AEGIS_AGENTS_X_SECRETS_API_KEY.
type EnvStore struct {
	Prefix string
}

func (s EnvStore) GetSecret(ctx context.Context, key string) (Secret, error) {
	value, ok := os.LookupEnv(s.envName(key))
	if !ok {
		return Secret{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return Secret{Value: value}, nil
}

// ListSecrets returns the names of the set environment variables under
// the prefix (e.g. AEGIS_AGENTS_X_SECRETS_API_KEY), not the
// slash-separated keys that GetSecret takes.
func (s EnvStore) ListSecrets(ctx context.Context) ([]string, error) {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "AEGIS"
	}
	var keys []string
	for _, entry := range os.Environ() {
		name, _, _ := strings.Cut(entry, "=")
		if strings.HasPrefix(name, prefix+"_") {
			keys = append(keys, name)
		}
	}
	return keys, nil
}

func (s EnvStore) envName(key string) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "AEGIS"
	}
	name := strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(key)
	return prefix + "_" + strings.ToUpper(name)
}

// FileStore loads a YAML map of key → secret once and serves it from
// memory. Intended for development and tests.
type FileStore struct {
	mu      sync.RWMutex
	secrets map[string]Secret
}

// NewFileStore reads the secrets file.
func NewFileStore(path string) (*FileStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	loaded := make(map[string]Secret)
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parse secrets file: %w", err)
	}
	return &FileStore{secrets: loaded}, nil
}

// NewMemoryStore builds a store from a literal map, for tests.
func NewMemoryStore(secrets map[string]Secret) *FileStore {
	if secrets == nil {
		secrets = make(map[string]Secret)
	}
	return &FileStore{secrets: secrets}
}

func (s *FileStore) GetSecret(ctx context.Context, key string) (Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.secrets[key]
	if !ok {
		return Secret{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return secret, nil
}

func (s *FileStore) ListSecrets(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.secrets))
	for k := range s.secrets {
		keys = append(keys, k)
	}
	return keys, nil
}
