package irex

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// MirrorClient wraps an S3-compatible client for the binary package
// mirror. Any S3 endpoint works: AWS itself, MinIO, or R2.
type MirrorClient struct {
	Client     *s3.Client
	BucketName string
}

// NewMirrorClient initializes the mirror client from configuration.
func NewMirrorClient(cfg *Config) (*MirrorClient, error) {
	endpoint := cfg.Values["MIRROR_ENDPOINT"]
	accessKey := cfg.Values["MIRROR_ACCESS_KEY_ID"]
	secretKey := cfg.Values["MIRROR_SECRET_ACCESS_KEY"]
	bucketName := cfg.Values["MIRROR_BUCKET"]

	if endpoint == "" || accessKey == "" || secretKey == "" || bucketName == "" {
		return nil, fmt.Errorf("mirror credentials missing in configuration (MIRROR_ENDPOINT, MIRROR_ACCESS_KEY_ID, MIRROR_SECRET_ACCESS_KEY, MIRROR_BUCKET)")
	}

	region := cfg.Values["MIRROR_REGION"]
	if region == "" {
		region = "auto"
	}

	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{URL: endpoint}, nil
	})

	options := []func(*config.LoadOptions) error{
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		config.WithRegion(region),
	}

	if Debug {
		options = append(options, config.WithClientLogMode(aws.LogSigning|aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(context.TODO(), options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load mirror config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &MirrorClient{
		Client:     client,
		BucketName: bucketName,
	}, nil
}

// DownloadFile fetches an object from the mirror.
func (m *MirrorClient) DownloadFile(ctx context.Context, key string) ([]byte, error) {
	output, err := m.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer output.Body.Close()

	return io.ReadAll(output.Body)
}

// UploadFile uploads an in-memory object to the mirror.
func (m *MirrorClient) UploadFile(ctx context.Context, key string, body []byte) error {
	contentType := "application/octet-stream"
	if strings.HasSuffix(key, ".json") {
		contentType = "application/json"
	} else if strings.HasSuffix(key, ".zst") {
		contentType = "application/zstd"
	}

	_, err := m.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.BucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	return err
}

// UploadLocalFile streams a file from disk to the mirror.
func (m *MirrorClient) UploadLocalFile(ctx context.Context, key, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	contentType := "application/octet-stream"
	if strings.HasSuffix(key, ".zst") {
		contentType = "application/zstd"
	}

	_, err = m.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.BucketName),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(contentType),
	})
	return err
}

// DeleteFile removes an object from the mirror.
func (m *MirrorClient) DeleteFile(ctx context.Context, key string) error {
	_, err := m.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(m.BucketName),
		Key:    aws.String(key),
	})
	return err
}

// MirrorObject is the metadata for one object on the mirror.
type MirrorObject struct {
	Key  string
	Size int64
}

// ListObjects returns the objects in the bucket with the given prefix.
func (m *MirrorClient) ListObjects(ctx context.Context, keyPrefix string) ([]MirrorObject, error) {
	var objects []MirrorObject
	paginator := s3.NewListObjectsV2Paginator(m.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.BucketName),
		Prefix: aws.String(keyPrefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			objects = append(objects, MirrorObject{
				Key:  *obj.Key,
				Size: *obj.Size,
			})
		}
	}
	return objects, nil
}
