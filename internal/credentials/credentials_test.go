package credentials_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/credentials"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
)

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "VIDEOGEN_GOOGLE_CREDENTIALS_DEV", credentials.EnvKey("videogen/google-credentials-dev"))
	assert.Equal(t, "VIDEOGEN_API_KEY", credentials.EnvKey("api-key"))
}

func TestEnvProviderLoadsDotenv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("VIDEOGEN_SHEETS_TEST_TOKEN=from-file\n"), 0o600))
	t.Setenv("VIDEOGEN_SHEETS_TEST_TOKEN", "")
	require.NoError(t, os.Unsetenv("VIDEOGEN_SHEETS_TEST_TOKEN"))

	provider, err := credentials.NewEnv(envFile)
	require.NoError(t, err)

	value, err := provider.Secret(context.Background(), "videogen/sheets-test-token")
	require.NoError(t, err)
	assert.Equal(t, "from-file", string(value))

	_, err = provider.Secret(context.Background(), "videogen/absent")
	assert.True(t, errors.Is(err, services.ErrConfiguration))
}

type fakeSecrets struct {
	secretsmanageriface.SecretsManagerAPI
	values map[string]string
	err    error
}

func (f *fakeSecrets) GetSecretValueWithContext(_ aws.Context, in *secretsmanager.GetSecretValueInput, _ ...request.Option) (*secretsmanager.GetSecretValueOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	value, ok := f.values[aws.StringValue(in.SecretId)]
	if !ok {
		return nil, awserr.New(secretsmanager.ErrCodeResourceNotFoundException, "not found", nil)
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(value)}, nil
}

func TestSecretsManagerProvider(t *testing.T) {
	provider := credentials.NewSecretsManager(&fakeSecrets{values: map[string]string{"videogen/google-credentials-dev": `{"type":"service_account"}`}})

	value, err := provider.Secret(context.Background(), "videogen/google-credentials-dev")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"service_account"}`, string(value))

	_, err = provider.Secret(context.Background(), "videogen/missing")
	assert.True(t, errors.Is(err, services.ErrConfiguration))

	down := credentials.NewSecretsManager(&fakeSecrets{err: awserr.New("ServiceUnavailable", "down", nil)})
	_, err = down.Secret(context.Background(), "videogen/google-credentials-dev")
	assert.True(t, errors.Is(err, services.ErrInfrastructure))
}
