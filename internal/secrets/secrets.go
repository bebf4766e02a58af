// Package secrets resolves credential references for the settlement services.
// Configuration values like the Postgres DSN or the document-store URI are
// passed as references ("env:ARENA_PG_DSN", "aws:arn:...") so the flags and
// process environment never carry the secret material itself.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrInvalidRef    = errors.New("secrets: invalid reference")
	ErrNotFound      = errors.New("secrets: not found")
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

// Resolver dispatches references by scheme. A bare value with no scheme is
// returned as-is, so plain DSNs keep working in local development.
type Resolver struct {
	env Provider
	aws Provider
}

func NewResolver(env, aws Provider) *Resolver {
	return &Resolver{env: env, aws: aws}
}

func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrInvalidRef)
	}
	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return ref, nil
	}
	switch scheme {
	case "env":
		if r.env == nil {
			return "", fmt.Errorf("%w: env provider not configured", ErrInvalidConfig)
		}
		return r.env.Get(ctx, rest)
	case "aws":
		if r.aws == nil {
			return "", fmt.Errorf("%w: aws provider not configured", ErrInvalidConfig)
		}
		return r.aws.Get(ctx, rest)
	default:
		// "postgres://..." and friends hit this branch.
		return ref, nil
	}
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client awsClient

	mu    sync.Mutex
	cache map[string]string
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client, cache: make(map[string]string)}, nil
}

func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("%w: nil aws provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty secret key", ErrInvalidConfig)
	}

	p.mu.Lock()
	cached, ok := p.cache[key]
	p.mu.Unlock()
	if ok {
		return cached, nil
	}

	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &key,
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", key, err)
	}

	var value string
	switch {
	case out.SecretString != nil && strings.TrimSpace(*out.SecretString) != "":
		value = strings.TrimSpace(*out.SecretString)
	case len(out.SecretBinary) > 0:
		value = string(out.SecretBinary)
	default:
		return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, key)
	}

	p.mu.Lock()
	p.cache[key] = value
	p.mu.Unlock()
	return value, nil
}

type EnvProvider struct{}

func NewEnv() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil env provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}
