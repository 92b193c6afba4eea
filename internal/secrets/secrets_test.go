package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"

	"github.com/sqlchat/sqlchat/internal/config"
)

type fakeSSM struct {
	values map[string]string
	calls  []string
	err    error
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.calls = append(f.calls, *in.Name)
	if in.WithDecryption == nil || !*in.WithDecryption {
		return nil, errors.New("decryption not requested")
	}
	if f.err != nil {
		return nil, f.err
	}
	value, ok := f.values[*in.Name]
	if !ok {
		return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name}}, nil
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name, Value: &value}}, nil
}

func TestResolvePassesThroughPlainValues(t *testing.T) {
	fake := &fakeSSM{}
	resolver, err := NewResolver(fake)
	require.NoError(t, err)

	got, err := resolver.Resolve(context.Background(), "rossa")
	require.NoError(t, err)
	require.Equal(t, "rossa", got)
	require.Empty(t, fake.calls)
}

func TestResolveFetchesAndCaches(t *testing.T) {
	fake := &fakeSSM{values: map[string]string{"/sqlchat/prod/db-password": "s3cret"}}
	resolver, err := NewResolver(fake)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		got, err := resolver.Resolve(context.Background(), "ssm:/sqlchat/prod/db-password")
		require.NoError(t, err)
		require.Equal(t, "s3cret", got)
	}
	require.Equal(t, []string{"/sqlchat/prod/db-password"}, fake.calls)
}

func TestResolveErrors(t *testing.T) {
	resolver, err := NewResolver(&fakeSSM{})
	require.NoError(t, err)

	_, err = resolver.Resolve(context.Background(), "ssm:")
	require.Error(t, err)

	_, err = resolver.Resolve(context.Background(), "ssm:/missing")
	require.ErrorContains(t, err, "has no value")

	failing, err := NewResolver(&fakeSSM{err: errors.New("AccessDenied")})
	require.NoError(t, err)
	_, err = failing.Resolve(context.Background(), "ssm:/x")
	require.ErrorContains(t, err, "AccessDenied")

	_, err = NewResolver(nil)
	require.Error(t, err)
}

func TestResolveConfigReplacesReferences(t *testing.T) {
	fake := &fakeSSM{values: map[string]string{
		"/sqlchat/db":     "db-pass",
		"/sqlchat/openai": "sk-live",
	}}
	resolver, err := NewResolver(fake)
	require.NoError(t, err)

	cfg := config.Config{}
	cfg.Database.Password = "ssm:/sqlchat/db"
	cfg.AI.APIKey = "ssm:/sqlchat/openai"
	cfg.ObjectStore.SecretAccessKey = "plain"

	require.True(t, NeedsResolution(cfg))
	require.NoError(t, resolver.ResolveConfig(context.Background(), &cfg))
	require.Equal(t, "db-pass", cfg.Database.Password)
	require.Equal(t, "sk-live", cfg.AI.APIKey)
	require.Equal(t, "plain", cfg.ObjectStore.SecretAccessKey)
	require.False(t, NeedsResolution(cfg))
}
