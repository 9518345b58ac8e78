// Package lambda adapts the AWS Lambda Invoke API to invoke.Backend.
package lambda

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/vietddude/dispatcher/internal/invoke"
)

// Config holds AWS settings for the backend.
type Config struct {
	Region     string `yaml:"region"`
	APIVersion string `yaml:"api_version"`
	// Endpoint overrides the service endpoint (e.g. a local emulator).
	Endpoint string `yaml:"endpoint"`
}

// invokeAPI is the subset of *lambda.Client used here.
type invokeAPI interface {
	Invoke(ctx context.Context, in *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// Backend invokes Lambda functions.
type Backend struct {
	api invokeAPI
}

// NewBackend loads the default AWS credential chain for cfg.Region. SDK level
// retries are disabled so the invoke client owns the retry policy.
func NewBackend(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Region == "" {
		return nil, errors.New("aws region is required")
	}
	if cfg.APIVersion != "" && cfg.APIVersion != lambda.ServiceAPIVersion {
		return nil, fmt.Errorf("unsupported lambda api version %q (supported: %s)",
			cfg.APIVersion, lambda.ServiceAPIVersion)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := lambda.NewFromConfig(awsCfg, func(o *lambda.Options) {
		o.Retryer = aws.NopRetryer{}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Backend{api: client}, nil
}

// Invoke implements invoke.Backend.
func (b *Backend) Invoke(ctx context.Context, req *invoke.Request) (*invoke.Response, error) {
	out, err := b.api.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(req.FunctionName),
		InvocationType: types.InvocationType(req.InvocationType),
		LogType:        types.LogTypeNone,
		Payload:        req.Payload,
	})
	if err != nil {
		return nil, backendError(err)
	}

	resp := &invoke.Response{
		StatusCode: int(out.StatusCode),
		Payload:    out.Payload,
	}
	if out.FunctionError != nil {
		resp.FunctionError = *out.FunctionError
	}
	return resp, nil
}

// backendError converts SDK errors with a service error code to
// *invoke.BackendError. Anything else (cancellation, DNS failures) is
// returned unchanged.
func backendError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	be := &invoke.BackendError{
		Code:    apiErr.ErrorCode(),
		Message: apiErr.ErrorMessage(),
		Err:     err,
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		be.StatusCode = respErr.HTTPStatusCode()
	}

	var throttled *types.TooManyRequestsException
	if errors.As(err, &throttled) && be.StatusCode == 0 {
		be.StatusCode = http.StatusTooManyRequests
	}

	return be
}
