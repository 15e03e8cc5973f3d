// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package coldstore archives shuffle files to S3 for mounts configured
// with the "s3" storage hint. The cleaner's TTL sweep calls Archive on
// such a mount's file just before it would otherwise delete it
// outright, so a partition that outlives its TTL on local disk is not
// simply lost.
package coldstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Store archives finalized partition files to a single S3 bucket.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// New loads the default AWS credential chain (env vars, shared config,
// EC2/ECS role) the way any AWS SDK v2 client does, and builds a Store
// against bucket.
func New(ctx context.Context, bucket, prefix, region string) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("coldstore: loading aws config: %w", err)
	}
	return &Store{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// Archive uploads the file at localPath under key (namespaced by the
// store's prefix) and leaves the local copy untouched — the caller
// decides whether and when to remove it.
func (s *Store) Archive(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("coldstore: opening %s: %w", localPath, err)
	}
	defer f.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("coldstore: uploading %s: %w", key, err)
	}
	return nil
}

// Restore downloads key back to localPath, used by the fetch path when a
// location's local file has already been swept but a reader still needs
// it — a cold read pays a round trip to S3 instead of a 404.
func (s *Store) Restore(ctx context.Context, key, localPath string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("coldstore: fetching %s: %w", key, err)
	}
	defer out.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("coldstore: creating %s: %w", localPath, err)
	}
	defer f.Close()

	buf := make([]byte, 256*1024)
	for {
		n, readErr := out.Body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("coldstore: writing %s: %w", localPath, writeErr)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("coldstore: reading %s from s3: %w", key, readErr)
		}
	}
}

func (s *Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}
