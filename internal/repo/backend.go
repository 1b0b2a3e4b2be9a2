package repo

import (
	"context"
	"fmt"
	"strings"

	"coldstore/internal/rclone"
)

// Backend is the closed set of remote storage variants a repository can sit
// on. Each variant knows how to resolve itself into an rclone remote.
type Backend interface {
	// Resolve builds the rclone remote, obscuring credentials through the
	// runner where the transfer tool requires it.
	Resolve(ctx context.Context, runner Runner) (rclone.Remote, error)

	backend() // closed set
}

// SftpBackend mirrors an sftp server. URL form is "host:/path/prefix".
type SftpBackend struct {
	Host     string
	Prefix   string
	User     string
	Password string
}

func (SftpBackend) backend() {}

func (b SftpBackend) Resolve(ctx context.Context, runner Runner) (rclone.Remote, error) {
	obscured, err := runner.Obscure(ctx, b.Password)
	if err != nil {
		return rclone.Remote{}, fmt.Errorf("obscure sftp password: %w", err)
	}
	return rclone.Remote{
		Name:   "sftp",
		Config: map[string]string{"type": "sftp", "host": b.Host},
		Flags:  []string{"--sftp-user", b.User, "--sftp-pass", obscured},
		Root:   b.Prefix,
	}, nil
}

// S3Backend mirrors a bucket on an S3-compatible endpoint.
type S3Backend struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
}

func (S3Backend) backend() {}

func (b S3Backend) Resolve(ctx context.Context, runner Runner) (rclone.Remote, error) {
	return rclone.Remote{
		Name: "s3",
		Config: map[string]string{
			"type":              "s3",
			"provider":          "Other",
			"endpoint":          b.Endpoint,
			"access_key_id":     b.AccessKey,
			"secret_access_key": b.SecretKey,
		},
		Root: b.Bucket,
	}, nil
}

func parseBackend(name string, c repoConf) (Backend, error) {
	switch name {
	case "sftp":
		host, prefix, ok := strings.Cut(c.URL, ":")
		if !ok || host == "" {
			return nil, fmt.Errorf("sftp url must look like host:/prefix, got %q", c.URL)
		}
		return SftpBackend{Host: host, Prefix: prefix, User: c.User, Password: c.Password}, nil
	case "s3":
		if c.Bucket == "" {
			return nil, fmt.Errorf("s3 backend needs a bucket")
		}
		return S3Backend{Endpoint: c.URL, Bucket: c.Bucket, AccessKey: c.User, SecretKey: c.Password}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}
