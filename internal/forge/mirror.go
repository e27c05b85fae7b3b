package forge

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// MirrorClient wraps an S3-compatible bucket holding built artifacts and
// prebuilt downloads, so a build farm does not hammer upstream hosts.
type MirrorClient struct {
	Client     *s3.Client
	BucketName string
}

// NewMirrorClient initializes the mirror from configuration values. Returns
// (nil, nil) when no mirror is configured; the mirror is always optional.
func NewMirrorClient(cfg *Config) (*MirrorClient, error) {
	bucketName := cfg.Values["FORGE_MIRROR_BUCKET"]
	if bucketName == "" {
		return nil, nil
	}
	endpoint := cfg.Values["FORGE_MIRROR_ENDPOINT"]
	accessKey := cfg.Values["FORGE_MIRROR_ACCESS_KEY"]
	secretKey := cfg.Values["FORGE_MIRROR_SECRET_KEY"]
	region := cfg.Values["FORGE_MIRROR_REGION"]
	if region == "" {
		region = "auto"
	}

	if endpoint == "" || accessKey == "" || secretKey == "" {
		return nil, &ConfigError{Reason: "mirror configured but FORGE_MIRROR_ENDPOINT, FORGE_MIRROR_ACCESS_KEY and FORGE_MIRROR_SECRET_KEY are all required"}
	}

	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{URL: endpoint}, nil
	})

	options := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		awsconfig.WithRegion(region),
	}

	if Debug {
		options = append(options, awsconfig.WithClientLogMode(aws.LogSigning|aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(), options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load mirror config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &MirrorClient{Client: client, BucketName: bucketName}, nil
}

// prebuiltKey is the bucket key of a mirrored prebuilt download.
func prebuiltKey(s *Session, d LibraryDescriptor) string {
	return fmt.Sprintf("prebuilt/%s/%s-%s%s", s.Triple, d.Name, d.Version, filepath.Ext(d.Source.DownloadURL))
}

// FetchPrebuilt downloads a mirrored prebuilt artifact into the download
// store and returns its local path.
func (m *MirrorClient) FetchPrebuilt(ctx context.Context, s *Session, d LibraryDescriptor) (string, error) {
	key := prebuiltKey(s, d)
	local := filepath.Join(s.DownloadDir(), filepath.Base(key))
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}
	if err := m.DownloadToFile(ctx, key, local); err != nil {
		return "", err
	}
	return local, nil
}

// DownloadToFile streams an object to disk through a .part rename, matching
// the HTTP download discipline.
func (m *MirrorClient) DownloadToFile(ctx context.Context, key, destFile string) error {
	output, err := m.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return err
	}
	defer output.Body.Close()

	if err := os.MkdirAll(filepath.Dir(destFile), 0o755); err != nil {
		return err
	}
	part := destFile + ".part"
	f, err := os.Create(part)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, output.Body); err != nil {
		f.Close()
		_ = os.Remove(part)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(part)
		return err
	}
	return os.Rename(part, destFile)
}

// UploadFile uploads a file from disk.
func (m *MirrorClient) UploadFile(ctx context.Context, key, filePath string) error {
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
	if filepath.Ext(key) == ".zst" {
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

// Exists reports whether the bucket holds a key.
func (m *MirrorClient) Exists(ctx context.Context, key string) bool {
	_, err := m.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.BucketName),
		Key:    aws.String(key),
	})
	return err == nil
}

// MirrorObject is one listed bucket entry.
type MirrorObject struct {
	Key  string
	Size int64
}

// ListObjects returns objects under prefix.
func (m *MirrorClient) ListObjects(ctx context.Context, prefix string) ([]MirrorObject, error) {
	var objects []MirrorObject
	paginator := s3.NewListObjectsV2Paginator(m.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.BucketName),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			objects = append(objects, MirrorObject{Key: *obj.Key, Size: *obj.Size})
		}
	}
	return objects, nil
}

// UploadCacheEntries packs every committed cache entry for the session's
// triple and profile and uploads the ones the bucket is missing.
func (m *MirrorClient) UploadCacheEntries(ctx context.Context, s *Session) error {
	cache := NewCache(filepath.Join(s.CacheDir, "artifacts"))
	root := filepath.Join(cache.Root, string(s.Triple), s.Profile)

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			colWarn.Println("No cached artifacts to upload for", s.Triple, s.Profile)
			return nil
		}
		return err
	}

	// one listing beats a head request per entry; fall back to per-key
	// checks when the credentials lack list permission
	prefix := fmt.Sprintf("artifacts/%s/%s/", s.Triple, s.Profile)
	existing := make(map[string]bool)
	listed := false
	if objects, err := m.ListObjects(ctx, prefix); err != nil {
		debugf("Mirror listing under %s failed: %v\n", prefix, err)
	} else {
		listed = true
		for _, obj := range objects {
			existing[obj.Key] = true
		}
		cPrintf(colInfo, "Mirror holds %d artifact(s) under %s\n", len(objects), prefix)
	}

	uploaded := 0
	for _, entry := range entries {
		if !entry.IsDir() || filepath.Ext(entry.Name()) == ".partial" {
			continue
		}
		key := prefix + entry.Name() + ".tar.zst"
		if existing[key] || (!listed && m.Exists(ctx, key)) {
			debugf("Mirror already has %s\n", key)
			continue
		}

		packed := filepath.Join(os.TempDir(), entry.Name()+".tar.zst")
		if err := packCacheEntry(filepath.Join(root, entry.Name()), packed); err != nil {
			return err
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Uploading %s\n", key)
		err := m.UploadFile(ctx, key, packed)
		_ = os.Remove(packed)
		if err != nil {
			return fmt.Errorf("upload of %s failed: %w", key, err)
		}
		uploaded++
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Uploaded %d artifact(s)\n", uploaded)
	return nil
}
