package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/signalsfoundry/sdn-experiment/internal/logging"
	"github.com/signalsfoundry/sdn-experiment/internal/uploader"
)

// Options select the bucket and directory to ship.
type Options struct {
	Bucket string
	Dir    string
	Region string
	Prefix string
}

func main() {
	var opts Options
	flag.StringVar(&opts.Bucket, "bucket", uploader.DefaultBucket, "Destination S3 bucket")
	flag.StringVar(&opts.Dir, "dir", "records", "Directory holding the JSON records")
	flag.StringVar(&opts.Region, "region", "", "AWS region (defaults to the SDK's resolution chain)")
	flag.StringVar(&opts.Prefix, "prefix", "", "Key prefix prepended to each file name")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := newS3Client(ctx, opts.Region)
	if err != nil {
		log.Error(ctx, "failed to load AWS configuration", logging.Err(err))
		os.Exit(2)
	}
	if err := run(ctx, opts, client, os.Stdout, log); err != nil {
		log.Error(ctx, "upload failed", logging.Err(err))
		stop()
		os.Exit(1)
	}
}

func newS3Client(ctx context.Context, region string) (*s3.Client, error) {
	var loadOpts []func(*awsConfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsConfig.WithRegion(region))
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg), nil
}

func run(ctx context.Context, opts Options, client uploader.PutObjectAPI, out io.Writer, log logging.Logger) error {
	u := &uploader.Uploader{Client: client, Bucket: opts.Bucket, Prefix: opts.Prefix, Log: log}
	uploaded, err := u.UploadDir(ctx, opts.Dir)
	for _, up := range uploaded {
		fmt.Fprintf(out, "s3://%s/%s\n", u.Bucket, up.Key)
	}
	return err
}
