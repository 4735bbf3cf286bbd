// Package secrets resolves rail credentials by name from the environment or
// AWS Secrets Manager.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

const (
	DriverEnv = "env"
	DriverAWS = "aws"

	// EnvPrefix is prepended to secret names resolved from the environment.
	EnvPrefix = "STAKE_"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
	ErrMalformed     = errors.New("secrets: malformed secret")
)

type Provider interface {
	Get(ctx context.Context, name string) (string, error)
}

// New returns the provider for driver.
func New(ctx context.Context, driver string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverEnv, "":
		return NewEnv(), nil
	case DriverAWS:
		return NewAWS(ctx)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, driver)
	}
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client awsClient
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
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty secret name", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &name})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", name, err)
	}
	if out.SecretString != nil {
		if v := strings.TrimSpace(*out.SecretString); v != "" {
			return v, nil
		}
	}
	if len(out.SecretBinary) > 0 {
		return string(out.SecretBinary), nil
	}
	return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, name)
}

// EnvProvider reads STAKE_<NAME>, where NAME is the secret name upper-cased
// with every non-alphanumeric rune replaced by '_'. "exchange/1" is read from
// STAKE_EXCHANGE_1.
type EnvProvider struct {
	lookup func(string) (string, bool)
}

func NewEnv() *EnvProvider {
	return &EnvProvider{lookup: os.LookupEnv}
}

func EnvName(name string) string {
	var b strings.Builder
	b.WriteString(EnvPrefix)
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (p *EnvProvider) Get(_ context.Context, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: empty secret name", ErrInvalidConfig)
	}
	key := EnvName(name)
	v, _ := p.lookup(key)
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}

// Pair is a two-part credential: an exchange API key and secret, or a wallet
// RPC user and password.
type Pair struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

// LoadPair reads name and parses it as "id:secret" or {"id":...,"secret":...}.
func LoadPair(ctx context.Context, p Provider, name string) (Pair, error) {
	raw, err := p.Get(ctx, name)
	if err != nil {
		return Pair{}, err
	}
	var out Pair
	if strings.HasPrefix(raw, "{") {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return Pair{}, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
		}
	} else {
		id, secret, ok := strings.Cut(raw, ":")
		if !ok {
			return Pair{}, fmt.Errorf("%w: %s: expected id:secret", ErrMalformed, name)
		}
		out = Pair{ID: id, Secret: secret}
	}
	out.ID = strings.TrimSpace(out.ID)
	out.Secret = strings.TrimSpace(out.Secret)
	if out.ID == "" || out.Secret == "" {
		return Pair{}, fmt.Errorf("%w: %s: empty part", ErrMalformed, name)
	}
	return out, nil
}
