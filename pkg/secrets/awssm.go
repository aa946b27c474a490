package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSOptions configure the Secrets Manager client.
type AWSOptions struct {
	Region   string
	Profile  string
	Endpoint string
}

// AWSProvider reads secrets from AWS Secrets Manager. A key of the form
// "secret-id#field" returns one field of a JSON secret.
type AWSProvider struct {
	opts AWSOptions

	once    sync.Once
	client  SecretsManagerAPI
	initErr error
}

// NewAWSProvider creates a provider over an existing client.
func NewAWSProvider(client SecretsManagerAPI) *AWSProvider {
	p := &AWSProvider{client: client}
	p.once.Do(func() {})
	return p
}

// NewLazyAWSProvider defers loading AWS configuration until the first
// awssm: reference is resolved, so runs that never use it need no AWS setup.
func NewLazyAWSProvider(opts AWSOptions) *AWSProvider {
	return &AWSProvider{opts: opts}
}

func (p *AWSProvider) Name() string { return "awssm" }

func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	client, err := p.getClient(ctx)
	if err != nil {
		return "", err
	}

	id, field, _ := strings.Cut(key, "#")
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		return "", err
	}

	var value string
	switch {
	case out.SecretString != nil:
		value = aws.ToString(out.SecretString)
	case out.SecretBinary != nil:
		value = string(out.SecretBinary)
	default:
		return "", fmt.Errorf("secret %s has no value", id)
	}

	if field == "" {
		return value, nil
	}
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(value), &doc); err != nil {
		return "", fmt.Errorf("secret %s is not a JSON object: %w", id, err)
	}
	v, ok := doc[field]
	if !ok {
		return "", fmt.Errorf("secret %s has no field %q", id, field)
	}
	return fmt.Sprint(v), nil
}

func (p *AWSProvider) getClient(ctx context.Context) (SecretsManagerAPI, error) {
	p.once.Do(func() {
		var loadOpts []func(*config.LoadOptions) error
		if p.opts.Region != "" {
			loadOpts = append(loadOpts, config.WithRegion(p.opts.Region))
		}
		if p.opts.Profile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(p.opts.Profile))
		}
		cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			p.initErr = fmt.Errorf("failed to load AWS config: %w", err)
			return
		}
		p.client = secretsmanager.NewFromConfig(cfg, func(o *secretsmanager.Options) {
			if p.opts.Endpoint != "" {
				o.BaseEndpoint = aws.String(p.opts.Endpoint)
			}
		})
	})
	return p.client, p.initErr
}
