// Package archive mirrors a filing's raw ownershipDocument XML out to
// S3-compatible object storage. It is optional — the database copy in
// filing_documents.raw_xml is always authoritative and always written
// first; archiving only records a pointer back to the object once the
// upload succeeds, so a disabled or failing archive never blocks
// ingestion.
package archive

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config names the bucket and region an archive client uploads to. An
// empty Bucket means archiving is disabled; New returns (nil, nil) in
// that case rather than an error, so callers can wire it
// unconditionally and just check for a nil *Client.
//
// Endpoint/AccessKeyID/SecretAccessKey are optional overrides for
// pointing the archive at an S3-compatible store (MinIO, R2, etc.)
// instead of AWS; when Endpoint is empty the client resolves region
// and credentials through the normal AWS default chain.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// Client uploads filing documents to S3 and records the resulting
// object key back onto filing_documents.
type Client struct {
	bucket   string
	s3Client *s3.Client
	uploader *manager.Uploader
}

// New builds an archive client from the ambient AWS credential chain
// (environment, shared config, container role), the same resolution
// order aws-sdk-go-v2's config.LoadDefaultConfig always uses. Returns
// (nil, nil) when cfg.Bucket is empty.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	s3Client := s3.NewFromConfig(awsCfg, s3Opts...)
	return &Client{
		bucket:   cfg.Bucket,
		s3Client: s3Client,
		uploader: manager.NewUploader(s3Client),
	}, nil
}

// UploadFiling stores accessionNumber's raw ownershipDocument XML
// under a deterministic key and records that key on the
// filing_documents row. Called after FetchAccessionDocs has already
// committed the document to the database, so an upload failure never
// loses data — it only means the row's archived_s3_key stays NULL
// until a future retry.
func (c *Client) UploadFiling(ctx context.Context, db *sql.DB, accessionNumber, xmlText string) (string, error) {
	key := fmt.Sprintf("filings/%s.xml", accessionNumber)

	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader([]byte(xmlText)),
		ContentType: aws.String("application/xml"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: upload %s: %w", key, err)
	}

	if _, err := db.ExecContext(ctx, `UPDATE filing_documents SET archived_s3_key = ? WHERE accession_number = ?`, key, accessionNumber); err != nil {
		return key, fmt.Errorf("archive: record archived_s3_key: %w", err)
	}
	return key, nil
}

// FetchFiling retrieves a previously archived document's raw bytes,
// used to re-hydrate filing_documents.raw_xml if the database copy
// were ever lost without a direct restore.
func (c *Client) FetchFiling(ctx context.Context, key string) ([]byte, error) {
	out, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: get %s: %w", key, err)
	}
	defer out.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", key, err)
	}
	return buf.Bytes(), nil
}
