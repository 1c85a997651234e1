// Package paramstore reads the relay's credentials from AWS SSM Parameter
// Store: the webhook token, the channel app secret and the backend and audio
// API keys.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the part of *ssm.Client the relay calls.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter resolves a parameter path to its decrypted value. Secret depends on
// it so fakes can stand in for SSM.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type Client struct {
	api ssmAPI
}

func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

// Secret returns the lazily fetched token stored under prefix/name.
func (c *Client) Secret(prefix, name string) (*Secret, error) {
	return NewSecret(c, prefix, name)
}

// Secrets builds one Secret per name under a shared prefix, keyed by name.
// Nothing is fetched until a secret is first used.
func (c *Client) Secrets(prefix string, names ...string) (map[string]*Secret, error) {
	if len(names) == 0 {
		return nil, errors.New("paramstore: Secrets: no parameter names")
	}
	out := make(map[string]*Secret, len(names))
	for _, name := range names {
		s, err := c.Secret(prefix, name)
		if err != nil {
			return nil, fmt.Errorf("paramstore: Secrets %q: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
}

// GetParameter reads one SecureString (or plain String) parameter.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: GetParameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: GetParameter %q: missing value", name)
	}
	return *out.Parameter.Value, nil
}
