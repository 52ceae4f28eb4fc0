// Package yandexcloud holds the connection and authentication plumbing shared
// by the Yandex SpeechKit synthesis and recognition providers.
package yandexcloud

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
)

// SpeechKit v3 endpoints.
const (
	TTSEndpoint = "tts.api.cloud.yandex.net:443"
	STTEndpoint = "stt.api.cloud.yandex.net:443"
)

// Credentials authenticate SpeechKit calls. Exactly one of APIKey and
// IAMToken must be set.
type Credentials struct {
	APIKey   string
	IAMToken string
	FolderID string
}

// Validate reports missing or conflicting credentials.
func (c Credentials) Validate() error {
	var errs []error
	switch {
	case c.APIKey == "" && c.IAMToken == "":
		errs = append(errs, errors.New("one of api key or IAM token is required"))
	case c.APIKey != "" && c.IAMToken != "":
		errs = append(errs, errors.New("api key and IAM token are mutually exclusive"))
	}
	if c.IAMToken != "" && c.FolderID == "" {
		errs = append(errs, errors.New("folder id is required with an IAM token"))
	}
	return errors.Join(errs...)
}

// Outgoing returns ctx carrying the authorization and folder metadata.
func (c Credentials) Outgoing(ctx context.Context) context.Context {
	auth := "Api-Key " + c.APIKey
	if c.IAMToken != "" {
		auth = "Bearer " + c.IAMToken
	}
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", auth)
	if c.FolderID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "x-folder-id", c.FolderID)
	}
	return ctx
}

// Dial opens a TLS gRPC client connection to endpoint. The connection is
// established lazily on the first call.
func Dial(endpoint string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
	if err != nil {
		return nil, fmt.Errorf("yandexcloud: dial %s: %w", endpoint, err)
	}
	return conn, nil
}
