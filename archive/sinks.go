// Copyright © 2025 Weather Flick <dev@weatherflick.io>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	gcpstorage "cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"google.golang.org/api/option"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

// ErrUnsupportedLocation rejects storage locations with no configured sink.
// TAPE_BACKUP always fails with it.
var ErrUnsupportedLocation = errors.New("unsupported storage location")

// ISink stores archive objects in one backend, keyed by backup path
// (<PROVIDER>/<YYYY>/<MM>/<backup_id>.json[.gz|.zst]).
type ISink interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Sinks maps storage locations to their backends. LOCAL_DISK always exists;
// the object-store locations exist only when settings configure them.
type Sinks struct {
	byLocation map[common.StorageLocation]ISink
}

func NewSinks(ctx context.Context, cfg common.BackupSettings, logger common.ILogger) (*Sinks, error) {
	s := &Sinks{byLocation: map[common.StorageLocation]ISink{
		common.EStorageLocation.LocalDisk(): &localSink{root: cfg.Dir},
	}}

	if cfg.S3Endpoint != "" {
		client, err := minio.New(cfg.S3Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
			Secure: cfg.S3UseSSL,
		})
		if err != nil {
			return nil, errors.Wrap(err, "connect distributed backup storage")
		}
		s.byLocation[common.EStorageLocation.DistributedStorage()] = &minioSink{client: client, bucket: cfg.S3Bucket}
		logger.Log(common.ELogLevel.Info(), fmt.Sprintf("distributed backup sink ready: %s/%s", cfg.S3Endpoint, cfg.S3Bucket))
	}

	switch cfg.CloudProvider {
	case "azure":
		if cfg.AzureConnString == "" {
			break
		}
		client, err := azblob.NewClientFromConnectionString(cfg.AzureConnString, nil)
		if err != nil {
			return nil, errors.Wrap(err, "connect azure backup storage")
		}
		s.byLocation[common.EStorageLocation.CloudStorage()] = &azureSink{client: client, container: cfg.AzureContainer}
		logger.Log(common.ELogLevel.Info(), fmt.Sprintf("cloud backup sink ready: azure container %s", cfg.AzureContainer))
	case "gcs":
		if cfg.GCSBucket == "" {
			break
		}
		client, err := gcpstorage.NewClient(ctx, option.WithScopes(gcpstorage.ScopeReadWrite))
		if err != nil {
			return nil, errors.Wrap(err, "connect gcs backup storage")
		}
		s.byLocation[common.EStorageLocation.CloudStorage()] = &gcsSink{bucket: client.Bucket(cfg.GCSBucket)}
		logger.Log(common.ELogLevel.Info(), fmt.Sprintf("cloud backup sink ready: gcs bucket %s", cfg.GCSBucket))
	}
	return s, nil
}

// For returns the sink serving a location.
func (s *Sinks) For(loc common.StorageLocation) (ISink, error) {
	sink := s.byLocation[loc]
	if sink == nil {
		return nil, errors.Wrap(ErrUnsupportedLocation, loc.String())
	}
	return sink, nil
}

// withSink overrides one location, for tests.
func (s *Sinks) withSink(loc common.StorageLocation, sink ISink) *Sinks {
	s.byLocation[loc] = sink
	return s
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type localSink struct {
	root string
}

func (l *localSink) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

func (l *localSink) Put(_ context.Context, key string, data []byte) error {
	full := l.path(key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errors.Wrap(err, "create backup directory")
	}
	return errors.Wrap(os.WriteFile(full, data, 0o644), "write backup file")
}

func (l *localSink) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(l.path(key))
	return data, errors.Wrap(err, "read backup file")
}

func (l *localSink) Delete(_ context.Context, key string) error {
	err := os.Remove(l.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return errors.Wrap(err, "delete backup file")
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type minioSink struct {
	client *minio.Client
	bucket string
}

func (m *minioSink) Put(ctx context.Context, key string, data []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	return errors.Wrap(err, "put backup object")
}

func (m *minioSink) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "get backup object")
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	return data, errors.Wrap(err, "read backup object")
}

func (m *minioSink) Delete(ctx context.Context, key string) error {
	return errors.Wrap(
		m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}),
		"remove backup object")
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type azureSink struct {
	client    *azblob.Client
	container string
}

func (a *azureSink) Put(ctx context.Context, key string, data []byte) error {
	_, err := a.client.UploadBuffer(ctx, a.container, key, data, nil)
	return errors.Wrap(err, "upload backup blob")
}

func (a *azureSink) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := a.client.DownloadStream(ctx, a.container, key, nil)
	if err != nil {
		return nil, errors.Wrap(err, "download backup blob")
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return data, errors.Wrap(err, "read backup blob")
}

func (a *azureSink) Delete(ctx context.Context, key string) error {
	_, err := a.client.DeleteBlob(ctx, a.container, key, nil)
	return errors.Wrap(err, "delete backup blob")
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type gcsSink struct {
	bucket *gcpstorage.BucketHandle
}

func (g *gcsSink) Put(ctx context.Context, key string, data []byte) error {
	w := g.bucket.Object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return errors.Wrap(err, "write backup object")
	}
	return errors.Wrap(w.Close(), "commit backup object")
}

func (g *gcsSink) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "open backup object")
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	return data, errors.Wrap(err, "read backup object")
}

func (g *gcsSink) Delete(ctx context.Context, key string) error {
	return errors.Wrap(g.bucket.Object(key).Delete(ctx), "delete backup object")
}
