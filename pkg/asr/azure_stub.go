//go:build !azure

package asr

import (
	"context"
)

// AzureAvailable reports whether the Speech SDK recognizer is compiled in.
const AzureAvailable = false

// AzureProvider is unavailable in builds without the azure tag because the
// Speech SDK needs its native library at link time.
type AzureProvider struct{}

func NewAzureProvider(config AzureConfig) (*AzureProvider, error) {
	return nil, &Error{Code: ErrCodeInvalidConfig, Message: "azure recognizer not compiled in (build with -tags azure)"}
}

func (p *AzureProvider) Name() string { return "azure" }

func (p *AzureProvider) Close() error { return nil }

func (p *AzureProvider) StreamingRecognize(context.Context, AudioConfig, RecognitionConfig) (StreamingRecognizer, error) {
	return nil, &Error{Code: ErrCodeInvalidConfig, Message: "azure recognizer not compiled in"}
}
