// Package storage keeps rendered receipts in an S3 compatible bucket.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type Config struct {
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string
	UsePathStyle  bool
	Prefix        string
}

type putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type ReceiptStore struct {
	cfg    Config
	client putter
}

func NewReceiptStore(cfg Config) (*ReceiptStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials are required")
	}
	if cfg.PublicBaseURL == "" {
		return nil, fmt.Errorf("s3 public base url is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "receipts"
	}

	options := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return &ReceiptStore{cfg: cfg, client: s3.New(options)}, nil
}

// PutReceipt stores a receipt PDF under a key derived from the purchase and
// returns its public URL. Re-uploading the same purchase overwrites the object.
func (s *ReceiptStore) PutReceipt(ctx context.Context, purchaseID string, issuedAt time.Time, pdf []byte) (string, error) {
	if len(pdf) == 0 {
		return "", fmt.Errorf("no receipt data to upload")
	}
	key := s.key(purchaseID, issuedAt)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:             aws.String(s.cfg.Bucket),
		Key:                aws.String(key),
		Body:               bytes.NewReader(pdf),
		ContentType:        aws.String("application/pdf"),
		ContentDisposition: aws.String(fmt.Sprintf(`inline; filename="receipt-%s.pdf"`, purchaseID)),
	})
	if err != nil {
		return "", fmt.Errorf("upload receipt to s3: %w", err)
	}
	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/" + key, nil
}

func (s *ReceiptStore) key(purchaseID string, issuedAt time.Time) string {
	t := issuedAt.UTC()
	prefix := strings.Trim(s.cfg.Prefix, "/")
	return path.Join(prefix, fmt.Sprintf("%04d/%02d", t.Year(), t.Month()), purchaseID+".pdf")
}
