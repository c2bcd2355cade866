// Package s3 binds the storage.Provider contract to an S3 compatible bucket
// fronted by a CDN. Objects are keyed sites/<tenant>/<page>/<version>/... so
// every deployment version stays addressable until retention deletes it.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudfront"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/cannalonga/pagedeploy/internal/storage"
)

const providerName = "s3"

// Config carries bucket and CDN settings for the provider.
type Config struct {
	Bucket         string
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
	Insecure       bool
	CDNBaseURL     string
	DistributionID string
}

// Provider implements storage.Provider on top of the AWS SDK.
type Provider struct {
	svc     *s3.S3
	cdn     *cloudfront.CloudFront
	bucket  string
	baseURL string
	distID  string
}

// New builds a Provider from configuration. A CloudFront client is only
// attached when a distribution ID is configured.
func New(cfg Config) (*Provider, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.ForcePathStyle),
		DisableSSL:       aws.Bool(cfg.Insecure),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("s3: create session: %w", err)
	}
	p := &Provider{
		svc:     s3.New(sess),
		bucket:  cfg.Bucket,
		baseURL: strings.TrimRight(cfg.CDNBaseURL, "/"),
		distID:  cfg.DistributionID,
	}
	if cfg.DistributionID != "" {
		p.cdn = cloudfront.New(sess)
	}
	return p, nil
}

// Name identifies the provider in deployment records.
func (p *Provider) Name() string {
	return providerName
}

// UploadFiles writes every file under the version-namespaced key prefix and
// tags each object with tenant/page/version for traceability.
func (p *Provider) UploadFiles(ctx context.Context, files []storage.File, target storage.UploadTarget) (*storage.UploadResult, error) {
	if target.TenantID == "" || target.PageID == "" || target.Version == "" {
		return nil, &storage.ProviderError{
			Provider: providerName,
			Op:       "upload",
			Err:      fmt.Errorf("upload target requires tenant, page and version"),
		}
	}
	prefix := versionPrefix(target)
	tags := objectTags(target)

	uploaded := make([]string, 0, len(files))
	for _, f := range files {
		key := path.Join(prefix, f.Path)
		input := &s3.PutObjectInput{
			Bucket:  aws.String(p.bucket),
			Key:     aws.String(key),
			Body:    bytes.NewReader(f.Body),
			Tagging: aws.String(tags),
		}
		if f.ContentType != "" {
			input.ContentType = aws.String(f.ContentType)
		}
		if _, err := p.svc.PutObjectWithContext(ctx, input); err != nil {
			return nil, classify("upload "+key, err)
		}
		uploaded = append(uploaded, key)
	}

	return &storage.UploadResult{
		DeployedURL:   p.baseURL + "/" + path.Join(prefix, "index.html"),
		PreviewURL:    p.baseURL + "/" + path.Join(prefix, "preview.html"),
		UploadedPaths: uploaded,
	}, nil
}

// InvalidateCache issues a CloudFront invalidation for the given paths. With
// no distribution configured the versioned keys are already cache safe, so the
// request is acknowledged without remote work.
func (p *Provider) InvalidateCache(ctx context.Context, paths []string) (*storage.InvalidationResult, error) {
	now := time.Now().UTC()
	if p.cdn == nil || len(paths) == 0 {
		return &storage.InvalidationResult{InvalidatedPaths: paths, Timestamp: now}, nil
	}
	items := make([]*string, 0, len(paths))
	for _, item := range paths {
		if !strings.HasPrefix(item, "/") {
			item = "/" + item
		}
		items = append(items, aws.String(item))
	}
	_, err := p.cdn.CreateInvalidationWithContext(ctx, &cloudfront.CreateInvalidationInput{
		DistributionId: aws.String(p.distID),
		InvalidationBatch: &cloudfront.InvalidationBatch{
			CallerReference: aws.String(fmt.Sprintf("pagedeploy-%d", now.UnixNano())),
			Paths: &cloudfront.Paths{
				Quantity: aws.Int64(int64(len(items))),
				Items:    items,
			},
		},
	})
	if err != nil {
		return nil, classify("invalidate", err)
	}
	return &storage.InvalidationResult{InvalidatedPaths: paths, Timestamp: now}, nil
}

// DeleteVersion removes every object stored under the version prefix.
func (p *Provider) DeleteVersion(ctx context.Context, target storage.UploadTarget) error {
	prefix := versionPrefix(target) + "/"
	listInput := &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(prefix),
	}

	var ids []*s3.ObjectIdentifier
	err := p.svc.ListObjectsV2PagesWithContext(ctx, listInput, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			ids = append(ids, &s3.ObjectIdentifier{Key: obj.Key})
		}
		return true
	})
	if err != nil {
		return classify("list "+prefix, err)
	}
	if len(ids) == 0 {
		return nil
	}
	_, err = p.svc.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(p.bucket),
		Delete: &s3.Delete{Objects: ids},
	})
	if err != nil {
		return classify("delete "+prefix, err)
	}
	return nil
}

func versionPrefix(target storage.UploadTarget) string {
	return path.Join("sites", target.TenantID, target.PageID, target.Version)
}

func objectTags(target storage.UploadTarget) string {
	values := url.Values{}
	values.Set("tenant", target.TenantID)
	values.Set("page", target.PageID)
	values.Set("version", target.Version)
	return values.Encode()
}

// permanentCodes are auth/config failures that retrying can never fix.
var permanentCodes = map[string]struct{}{
	"AccessDenied":          {},
	"InvalidAccessKeyId":    {},
	"SignatureDoesNotMatch": {},
	"NoSuchBucket":          {},
	"ExpiredToken":          {},
	"InvalidBucketName":     {},
	"AccountProblem":        {},
	"NoSuchDistribution":    {},
}

func classify(op string, err error) *storage.ProviderError {
	transient := request.IsErrorRetryable(err) || request.IsErrorThrottle(err)
	if aerr, ok := err.(awserr.Error); ok {
		if _, permanent := permanentCodes[aerr.Code()]; permanent {
			transient = false
		} else {
			switch aerr.Code() {
			case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", request.ErrCodeRequestError:
				transient = true
			}
		}
	}
	return &storage.ProviderError{
		Provider:  providerName,
		Op:        op,
		Transient: transient,
		Err:       err,
	}
}
