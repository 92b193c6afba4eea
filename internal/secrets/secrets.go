// Package secrets resolves configuration values of the form
// "ssm:<parameter-name>" from AWS SSM Parameter Store.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/sqlchat/sqlchat/internal/config"
)

const Prefix = "ssm:"

// ssmAPI is satisfied by *ssm.Client.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type Resolver struct {
	api   ssmAPI
	cache map[string]string
}

func NewResolver(api ssmAPI) (*Resolver, error) {
	if api == nil {
		return nil, errors.New("ssm api is required")
	}
	return &Resolver{api: api, cache: map[string]string{}}, nil
}

// NewFromEnvironment builds an SSM client from the default AWS credential
// chain (env, shared config, instance role).
func NewFromEnvironment(ctx context.Context) (*Resolver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewResolver(ssm.NewFromConfig(cfg))
}

func IsReference(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), Prefix)
}

// Resolve returns value unchanged unless it is an ssm: reference.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	if !IsReference(value) {
		return value, nil
	}
	name := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(value), Prefix))
	if name == "" {
		return "", errors.New("ssm parameter name is required")
	}
	if cached, ok := r.cache[name]; ok {
		return cached, nil
	}

	out, err := r.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("get ssm parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("ssm parameter %q has no value", name)
	}
	r.cache[name] = *out.Parameter.Value
	return *out.Parameter.Value, nil
}

func secretFields(cfg *config.Config) map[string]*string {
	return map[string]*string{
		"SQLCHAT_DATABASE_PASSWORD":      &cfg.Database.Password,
		"SQLCHAT_AI_API_KEY":             &cfg.AI.APIKey,
		"SQLCHAT_OBJECTSTORE_ACCESS_KEY": &cfg.ObjectStore.AccessKeyID,
		"SQLCHAT_OBJECTSTORE_SECRET_KEY": &cfg.ObjectStore.SecretAccessKey,
		"SQLCHAT_AUTH_STATIC_KEYS":       &cfg.Auth.StaticKeys,
	}
}

// NeedsResolution reports whether any secret-bearing field is a reference, so
// callers only build an AWS client when one is required.
func NeedsResolution(cfg config.Config) bool {
	for _, field := range secretFields(&cfg) {
		if IsReference(*field) {
			return true
		}
	}
	return false
}

// ResolveConfig replaces every ssm: reference in the secret-bearing fields of
// cfg in place.
func (r *Resolver) ResolveConfig(ctx context.Context, cfg *config.Config) error {
	for key, field := range secretFields(cfg) {
		resolved, err := r.Resolve(ctx, *field)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", key, err)
		}
		*field = resolved
	}
	return nil
}
