// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagnostics

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Uploader receives finished diagnostics artifacts.
type Uploader interface {
	Upload(ctx context.Context, localPath, objectName string) error
}

// GCSUploader copies artifacts into a Cloud Storage bucket.
type GCSUploader struct {
	client *storage.Client
	bucket string
}

// NewGCSUploader creates an uploader for bucket. An empty credentialsFile
// uses application default credentials.
func NewGCSUploader(ctx context.Context, bucket, credentialsFile string, opts ...option.ClientOption) (*GCSUploader, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket must not be empty")
	}
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not found at path %s: %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSUploader{client: client, bucket: bucket}, nil
}

// Bucket returns the destination bucket.
func (u *GCSUploader) Bucket() string {
	return u.bucket
}

// Upload streams localPath to objectName.
func (u *GCSUploader) Upload(ctx context.Context, localPath, objectName string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	w := u.client.Bucket(u.bucket).Object(path.Clean(objectName)).NewWriter(ctx)
	w.ContentType = "text/plain; charset=utf-8"
	w.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to copy %s to gs://%s/%s: %w", localPath, u.bucket, objectName, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", objectName, err)
	}
	return nil
}

// Close releases the storage client.
func (u *GCSUploader) Close() error {
	return u.client.Close()
}
