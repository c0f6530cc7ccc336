// Package uploader ships persisted experiment records to an S3 bucket.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hashicorp/go-multierror"

	"github.com/signalsfoundry/sdn-experiment/internal/logging"
)

// DefaultBucket is the bucket records are shipped to when none is given.
const DefaultBucket = "flow-logs-sdn"

// ErrNoRecords is returned when the directory holds no *.json files.
var ErrNoRecords = errors.New("no records to upload")

// PutObjectAPI is the subset of the S3 client the uploader uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploaded describes one shipped file.
type Uploaded struct {
	Path string
	Key  string
	Size int64
	ETag string
}

// Uploader copies record files into Bucket, keyed by Prefix plus the file
// name.
type Uploader struct {
	Client PutObjectAPI
	Bucket string
	Prefix string
	Log    logging.Logger
}

// UploadDir uploads every *.json file directly under dir, in name order.
// A failed file does not stop the others; failures are aggregated and the
// successful uploads are still returned.
func (u *Uploader) UploadDir(ctx context.Context, dir string) ([]Uploaded, error) {
	log := u.Log
	if log == nil {
		log = logging.Noop()
	}
	bucket := u.Bucket
	if bucket == "" {
		bucket = DefaultBucket
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoRecords, dir)
	}

	var (
		done   []Uploaded
		result *multierror.Error
	)
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)
			break
		}
		up, err := u.uploadFile(ctx, bucket, path)
		if err != nil {
			log.Warn(ctx, "upload failed", logging.String("path", path), logging.Err(err))
			result = multierror.Append(result, fmt.Errorf("upload %s: %w", path, err))
			continue
		}
		log.Info(ctx, "record uploaded",
			logging.String("bucket", bucket),
			logging.String("key", up.Key),
			logging.Any("size", up.Size),
		)
		done = append(done, up)
	}
	return done, result.ErrorOrNil()
}

func (u *Uploader) uploadFile(ctx context.Context, bucket, path string) (Uploaded, error) {
	f, err := os.Open(path)
	if err != nil {
		return Uploaded{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Uploaded{}, err
	}

	key := u.Prefix + filepath.Base(path)
	out, err := u.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return Uploaded{}, err
	}
	return Uploaded{Path: path, Key: key, Size: info.Size(), ETag: aws.ToString(out.ETag)}, nil
}
