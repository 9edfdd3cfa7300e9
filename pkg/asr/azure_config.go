package asr

import "go.uber.org/zap"

// AzureConfig holds Azure Speech credentials.
type AzureConfig struct {
	SubscriptionKey string
	Region          string
	Logger          *zap.Logger
}
