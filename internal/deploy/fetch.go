package deploy

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"cloud.google.com/go/storage"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArtifactFetcher streams a deployment artifact into destDir, dispatching on
// the URL scheme: https/http uses a streaming GET, s3:// uses the AWS SDK,
// gs:// uses the Cloud Storage SDK. If the target file already exists it is
// not re-downloaded.
type ArtifactFetcher struct {
	httpClient *http.Client

	awsOnce sync.Once
	s3      *s3.Client
	awsErr  error

	gcsOnce sync.Once
	gcs     *storage.Client
	gcsErr  error
}

// NewArtifactFetcher creates a Fetcher. Cloud SDK clients are constructed
// lazily, on first use of their scheme, so an agent that only ever sees
// https:// artifact URLs never touches AWS/GCS credential discovery.
func NewArtifactFetcher() *ArtifactFetcher {
	return &ArtifactFetcher{httpClient: &http.Client{}}
}

// Fetch downloads rawURL into destDir and returns the written file's path.
func (f *ArtifactFetcher) Fetch(ctx context.Context, rawURL, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("deploy: create artifact dir: %w", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("deploy: parse artifact url %q: %w", rawURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "s3":
		return f.fetchS3(ctx, u, destDir)
	case "gs":
		return f.fetchGCS(ctx, u, destDir)
	default:
		return f.fetchHTTP(ctx, rawURL, destDir)
	}
}

func (f *ArtifactFetcher) fetchHTTP(ctx context.Context, rawURL, destDir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("deploy: build artifact request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("deploy: fetch artifact: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("deploy: artifact fetch returned status %d", resp.StatusCode)
	}

	name := filenameFromHeaderOrURL(resp.Header.Get("Content-Disposition"), rawURL)
	dest := filepath.Join(destDir, name)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("deploy: create artifact file: %w", err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", fmt.Errorf("deploy: write artifact file: %w", err)
	}
	return dest, nil
}

func filenameFromHeaderOrURL(contentDisposition, rawURL string) string {
	if contentDisposition != "" {
		if _, params, err := mime.ParseMediaType(contentDisposition); err == nil {
			if fn := params["filename"]; fn != "" {
				return fn
			}
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "." && base != "/" {
			return base
		}
	}
	return "artifact"
}

func (f *ArtifactFetcher) ensureS3(ctx context.Context) (*s3.Client, error) {
	f.awsOnce.Do(func() {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			f.awsErr = fmt.Errorf("deploy: load aws config: %w", err)
			return
		}
		f.s3 = s3.NewFromConfig(cfg)
	})
	return f.s3, f.awsErr
}

func (f *ArtifactFetcher) fetchS3(ctx context.Context, u *url.URL, destDir string) (string, error) {
	client, err := f.ensureS3(ctx)
	if err != nil {
		return "", err
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")

	name := path.Base(key)
	dest := filepath.Join(destDir, name)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return "", fmt.Errorf("deploy: s3 get object s3://%s/%s: %w", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()

	file, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("deploy: create artifact file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err := io.Copy(file, out.Body); err != nil {
		return "", fmt.Errorf("deploy: write artifact file: %w", err)
	}
	return dest, nil
}

func (f *ArtifactFetcher) ensureGCS(ctx context.Context) (*storage.Client, error) {
	f.gcsOnce.Do(func() {
		client, err := storage.NewClient(ctx)
		if err != nil {
			f.gcsErr = fmt.Errorf("deploy: create gcs client: %w", err)
			return
		}
		f.gcs = client
	})
	return f.gcs, f.gcsErr
}

func (f *ArtifactFetcher) fetchGCS(ctx context.Context, u *url.URL, destDir string) (string, error) {
	client, err := f.ensureGCS(ctx)
	if err != nil {
		return "", err
	}
	bucket := u.Host
	object := strings.TrimPrefix(u.Path, "/")

	name := path.Base(object)
	dest := filepath.Join(destDir, name)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	reader, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return "", fmt.Errorf("deploy: gcs read gs://%s/%s: %w", bucket, object, err)
	}
	defer func() { _ = reader.Close() }()

	file, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("deploy: create artifact file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err := io.Copy(file, reader); err != nil {
		return "", fmt.Errorf("deploy: write artifact file: %w", err)
	}
	return dest, nil
}
