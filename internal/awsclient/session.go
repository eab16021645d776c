// Package awsclient builds the shared AWS session used by the Lambda, S3 and
// Secrets Manager integrations.
package awsclient

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/config"
)

// NewSession returns a session for the configured region. A custom endpoint
// points every client at a local emulator and forces path-style S3 access.
func NewSession(cfg config.AWS) (*session.Session, error) {
	awsCfg := aws.NewConfig()
	if region := strings.TrimSpace(cfg.Region); region != "" {
		awsCfg = awsCfg.WithRegion(region)
	}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *awsCfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return sess, nil
}
