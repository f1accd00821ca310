package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration for the off-site mirror.
type S3Config struct {
	Endpoint   string
	Bucket     string
	Region     string
	AccessKey  string
	SecretKey  string
	Prefix     string
	Passphrase string
}

// Enabled reports whether enough is configured to mirror artifacts.
func (c S3Config) Enabled() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != "" && c.Passphrase != ""
}

func newS3Client(cfg S3Config) *s3.Client {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := s3.Options{
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// mirror keeps encrypted copies of backup artifacts in a bucket.
type mirror struct {
	client     s3Client
	bucket     string
	prefix     string
	passphrase string
}

func newMirror(cfg S3Config) *mirror {
	if !cfg.Enabled() {
		return nil
	}
	return &mirror{
		client:     newS3Client(cfg),
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		passphrase: cfg.Passphrase,
	}
}

func (m *mirror) key(token, name string) string {
	return path.Join(m.prefix, token, name+".enc")
}

// upload encrypts localPath and stores it under token. It returns the object key.
func (m *mirror) upload(ctx context.Context, token, localPath string) (string, error) {
	enc, err := os.CreateTemp("", "upkeep-upload-*.enc")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	encPath := enc.Name()
	enc.Close()
	defer os.Remove(encPath)

	if err := EncryptFile(localPath, encPath, m.passphrase); err != nil {
		return "", err
	}

	f, err := os.Open(encPath)
	if err != nil {
		return "", fmt.Errorf("open encrypted file: %w", err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat encrypted file: %w", err)
	}

	key := m.key(token, filepath.Base(localPath))
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(stat.Size()),
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}
	return key, nil
}

// download fetches key, decrypts it and writes the plaintext to localPath.
func (m *mirror) download(ctx context.Context, key, localPath string) error {
	result, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("download from s3: %w", err)
	}
	defer result.Body.Close()

	enc, err := os.CreateTemp("", "upkeep-download-*.enc")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	encPath := enc.Name()
	defer os.Remove(encPath)

	if _, err := io.Copy(enc, result.Body); err != nil {
		enc.Close()
		return fmt.Errorf("write downloaded file: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("write downloaded file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	return DecryptFile(encPath, localPath, m.passphrase)
}

func (m *mirror) delete(ctx context.Context, key string) error {
	_, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete s3 object %s: %w", key, err)
	}
	return nil
}
