package objectstore

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	UseSSL        bool
	BucketTape    string
	BucketStaging string
	BucketArchive string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketTape) == "" {
		return errors.New("tape bucket is required")
	}
	if strings.TrimSpace(c.BucketStaging) == "" {
		return errors.New("staging bucket is required")
	}
	if strings.TrimSpace(c.BucketArchive) == "" {
		return errors.New("archive bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
