// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive uploads the root's topology history to Google Cloud
// Storage as newline-delimited JSON, one snapshot per line, newest first.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/AleutianAI/treefabric/services/fabric/datatypes"
)

// ContentType is set on every uploaded object.
const ContentType = "application/x-ndjson"

// Config selects the bucket and how to authenticate.
type Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`

	// CredentialsFile is a service account key. Empty uses application
	// default credentials.
	CredentialsFile string `yaml:"credentials_file"`

	// Endpoint overrides the storage API endpoint, for emulators.
	Endpoint string `yaml:"endpoint"`

	// Anonymous skips authentication, for emulators.
	Anonymous bool `yaml:"anonymous"`
}

// Archiver writes snapshot batches to one bucket.
type Archiver struct {
	client *gcs.Client
	bucket string
	prefix string
	now    func() time.Time
}

// New connects to Cloud Storage.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: archive bucket is required", datatypes.ErrValidation)
	}
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Anonymous {
		opts = append(opts, option.WithoutAuthentication())
	} else if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, now: time.Now}, nil
}

// ObjectName is the name Upload uses for a batch taken at t.
func (a *Archiver) ObjectName(t time.Time) string {
	return path.Join(a.prefix, "topology-"+t.UTC().Format("20060102T150405Z")+".ndjson")
}

// Upload writes snaps as one object and returns its gs:// URL.
func (a *Archiver) Upload(ctx context.Context, snaps []datatypes.TopologySnapshot) (string, error) {
	if len(snaps) == 0 {
		return "", errors.New("no snapshots to archive")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, snap := range snaps {
		if err := enc.Encode(snap); err != nil {
			return "", fmt.Errorf("encode snapshot: %w", err)
		}
	}

	name := a.ObjectName(a.now())
	w := a.client.Bucket(a.bucket).Object(name).NewWriter(ctx)
	w.ContentType = ContentType
	w.ChunkSize = 0
	if _, err := w.Write(buf.Bytes()); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, name), nil
}

// Close releases the client.
func (a *Archiver) Close() error {
	return a.client.Close()
}
