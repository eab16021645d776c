// Package credentials resolves named secrets such as the Google service
// account used by the row store.
//
// The Secrets Manager provider is used in deployed environments. The env
// provider reads VIDEOGEN_* variables, optionally seeded from a dotenv file,
// and is meant for local runs and tests.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	"github.com/joho/godotenv"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/awsclient"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/config"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
)

// Provider returns secret material by name.
type Provider interface {
	Secret(ctx context.Context, name string) ([]byte, error)
}

// FromConfig builds the configured provider.
func FromConfig(cfg *config.Config) (Provider, error) {
	switch cfg.Credentials.Provider {
	case config.CredentialProviderEnv:
		return NewEnv(cfg.Credentials.EnvFile)
	case config.CredentialProviderSecretsManager:
		sess, err := awsclient.NewSession(cfg.AWS)
		if err != nil {
			return nil, services.Wrap(services.ErrInfrastructure, "credentials", "open provider", "aws session unavailable", err)
		}
		return NewSecretsManager(secretsmanager.New(sess)), nil
	default:
		return nil, services.Wrap(services.ErrConfiguration, "credentials", "open provider", fmt.Sprintf("unknown provider %q", cfg.Credentials.Provider), nil)
	}
}

// SecretsManager reads secrets from AWS Secrets Manager.
type SecretsManager struct {
	client secretsmanageriface.SecretsManagerAPI
}

// NewSecretsManager wraps client.
func NewSecretsManager(client secretsmanageriface.SecretsManagerAPI) *SecretsManager {
	return &SecretsManager{client: client}
}

// NewSecretsManagerFromSession builds a client from sess.
func NewSecretsManagerFromSession(sess *session.Session) *SecretsManager {
	return NewSecretsManager(secretsmanager.New(sess))
}

// Secret returns the string or binary value of name.
func (p *SecretsManager) Secret(ctx context.Context, name string) ([]byte, error) {
	out, err := p.client.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == secretsmanager.ErrCodeResourceNotFoundException {
			return nil, services.Wrap(services.ErrConfiguration, "credentials", "get secret", fmt.Sprintf("secret %s does not exist", name), err)
		}
		return nil, services.Wrap(services.ErrInfrastructure, "credentials", "get secret", fmt.Sprintf("secret %s unavailable", name), err)
	}
	if out.SecretString != nil {
		return []byte(*out.SecretString), nil
	}
	if len(out.SecretBinary) > 0 {
		return out.SecretBinary, nil
	}
	return nil, services.Wrap(services.ErrConfiguration, "credentials", "get secret", fmt.Sprintf("secret %s is empty", name), nil)
}

// Env reads secrets from environment variables.
type Env struct {
	lookup func(string) (string, bool)
}

// NewEnv loads envFile into the process environment when it exists;
// variables already set take precedence.
func NewEnv(envFile string) (*Env, error) {
	if envFile = strings.TrimSpace(envFile); envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, services.Wrap(services.ErrConfiguration, "credentials", "load env file", envFile, err)
			}
		}
	}
	return &Env{lookup: os.LookupEnv}, nil
}

// Secret looks up the variable derived from name.
func (p *Env) Secret(_ context.Context, name string) ([]byte, error) {
	key := EnvKey(name)
	value, ok := p.lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "credentials", "get secret", fmt.Sprintf("%s is not set", key), nil)
	}
	return []byte(value), nil
}

// EnvKey maps a secret name such as "videogen/google-credentials-dev" to
// VIDEOGEN_GOOGLE_CREDENTIALS_DEV.
func EnvKey(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	key := b.String()
	if !strings.HasPrefix(key, "VIDEOGEN_") {
		key = "VIDEOGEN_" + key
	}
	return key
}
