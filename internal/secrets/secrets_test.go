package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type fakeAWSClient struct {
	out   *secretsmanager.GetSecretValueOutput
	err   error
	calls int
}

func (c *fakeAWSClient) GetSecretValue(_ context.Context, _ *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.out, nil
}

func TestEnvProvider(t *testing.T) {
	const key = "ARENA_SECRET_TEST_ENV"
	t.Setenv(key, "  super-secret  ")
	p := NewEnv()
	got, err := p.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "super-secret" {
		t.Fatalf("value mismatch: got %q", got)
	}

	if _, err := p.Get(context.Background(), "MISSING_ENV_KEY_XYZ"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAWSProviderCaches(t *testing.T) {
	t.Parallel()

	client := &fakeAWSClient{
		out: &secretsmanager.GetSecretValueOutput{
			SecretString: strPtr(" secret "),
		},
	}
	p, err := NewAWSWithClient(client)
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	for i := 0; i < 3; i++ {
		got, err := p.Get(context.Background(), "arn:aws:secretsmanager:us-east-1:123:secret:arena-pg")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got != "secret" {
			t.Fatalf("secret mismatch: got %q", got)
		}
	}
	if client.calls != 1 {
		t.Fatalf("expected one upstream call, got %d", client.calls)
	}
}

func TestAWSProviderEmptySecret(t *testing.T) {
	t.Parallel()

	p, err := NewAWSWithClient(&fakeAWSClient{out: &secretsmanager.GetSecretValueOutput{}})
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	if _, err := p.Get(context.Background(), "empty"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolver(t *testing.T) {
	const key = "ARENA_RESOLVER_TEST_DSN"
	t.Setenv(key, "postgres://resolved")

	r := NewResolver(NewEnv(), nil)
	ctx := context.Background()

	got, err := r.Resolve(ctx, "env:"+key)
	if err != nil {
		t.Fatalf("Resolve env: %v", err)
	}
	if got != "postgres://resolved" {
		t.Fatalf("Resolve env = %q", got)
	}

	// Bare values and URL-shaped values pass through untouched.
	for _, ref := range []string{"plainvalue", "postgres://direct:5432/db", "mongodb://localhost"} {
		got, err := r.Resolve(ctx, ref)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", ref, err)
		}
		if got != ref {
			t.Fatalf("Resolve(%q) = %q, want pass-through", ref, got)
		}
	}

	if _, err := r.Resolve(ctx, ""); !errors.Is(err, ErrInvalidRef) {
		t.Fatalf("Resolve empty = %v, want ErrInvalidRef", err)
	}
	if _, err := r.Resolve(ctx, "aws:some-arn"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Resolve aws without provider = %v, want ErrInvalidConfig", err)
	}
}

func strPtr(v string) *string { return &v }
