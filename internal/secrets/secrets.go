// Package secrets loads the settings bundle (vault key, session secret,
// default vendor keys) from AWS Secrets Manager at startup.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var ErrSecretNotFound = errors.New("secret not found")

// Source returns the raw payload stored under a secret name.
type Source interface {
	Fetch(ctx context.Context, name string) ([]byte, error)
}

// SecretsManagerAPI is the part of the Secrets Manager client the store uses.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSSecretsManager struct {
	client SecretsManagerAPI
	stage  string
}

func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewAWSSecretsManagerWithClient(secretsmanager.NewFromConfig(cfg)), nil
}

func NewAWSSecretsManagerWithClient(client SecretsManagerAPI) *AWSSecretsManager {
	return &AWSSecretsManager{client: client, stage: "AWSCURRENT"}
}

// Fetch reads the current version of name. Binary secrets are returned as is.
func (s *AWSSecretsManager) Fetch(ctx context.Context, name string) ([]byte, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(name),
		VersionStage: aws.String(s.stage),
	})
	if err != nil {
		return nil, fmt.Errorf("get secret %s: %w", name, err)
	}
	if out.SecretString != nil {
		return []byte(*out.SecretString), nil
	}
	if len(out.SecretBinary) > 0 {
		return out.SecretBinary, nil
	}
	return nil, fmt.Errorf("%w: %s has no value", ErrSecretNotFound, name)
}

// LoadEnv decodes a JSON object of environment-style settings stored under
// name, for example {"ENCRYPTION_KEY": "...", "OPENAI_API_KEY": "..."}.
// Numbers and booleans are accepted and rendered as strings; nested values
// are rejected.
func LoadEnv(ctx context.Context, src Source, name string) (map[string]string, error) {
	payload, err := src.Fetch(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load secret %s: %w", name, err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("load secret %s: not a JSON object: %w", name, err)
	}

	values := make(map[string]string, len(raw))
	for key, v := range raw {
		switch tv := v.(type) {
		case string:
			values[key] = tv
		case float64:
			values[key] = strconv.FormatFloat(tv, 'f', -1, 64)
		case bool:
			values[key] = strconv.FormatBool(tv)
		case nil:
		default:
			return nil, fmt.Errorf("load secret %s: key %s holds a nested value", name, key)
		}
	}
	return values, nil
}

type InMemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemorySecretStore() *InMemorySecretStore {
	return &InMemorySecretStore{
		secrets: make(map[string]string),
	}
}

func (s *InMemorySecretStore) Fetch(ctx context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.secrets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return []byte(value), nil
}

func (s *InMemorySecretStore) SetSecret(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}
