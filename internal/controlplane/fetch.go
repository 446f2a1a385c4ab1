package controlplane

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"

	logx "relaybot/pkg/logx"
)

const maxAttachmentBytes = 64 << 20

// ObjectGetter is the part of the S3 client used for s3:// references.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3Config struct {
	Region    string
	Endpoint  string
	PathStyle bool
}

// NewS3Client builds a client from the default AWS credential chain. A
// custom endpoint points it at S3-compatible storage such as MinIO.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// Materializer turns attachment references into local files.
//
// Supported references:
//   - data:<mime>;base64,<payload> and base64:<payload> (inline)
//   - s3://bucket/key
//   - anything else: fetched over HTTP, relative to the coordinator origin
type Materializer struct {
	Origin      *url.URL
	HTTP        *http.Client
	S3          ObjectGetter
	MaxImageDim int
	Log         logx.Logger
	// Parallel bounds concurrent downloads; 0 means 3.
	Parallel int
}

// Fetch writes every attachment into dir and returns path -> caption.
// Attachments that fail are logged and left out; the transfer proceeds
// with the rest.
func (m *Materializer) Fetch(ctx context.Context, dir string, atts []Attachment) (map[string]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var (
		mu  sync.Mutex
		out = make(map[string]string, len(atts))
	)
	limit := m.Parallel
	if limit <= 0 {
		limit = 3
	}
	names := uniqueNames(atts)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, a := range atts {
		g.Go(func() error {
			path, err := m.fetchOne(gctx, filepath.Join(dir, names[i]), a)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.Log.Warn("attachment fetch failed", logx.String("name", a.Name), logx.Err(err))
				return nil
			}
			mu.Lock()
			out[path] = a.Caption
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Materializer) fetchOne(ctx context.Context, path string, a Attachment) (string, error) {
	ref := strings.TrimSpace(a.ref())
	if ref == "" {
		return "", errors.New("empty content reference")
	}
	var (
		body []byte
		err  error
	)
	switch {
	case strings.HasPrefix(ref, "data:"):
		body, err = decodeDataURI(ref)
	case strings.HasPrefix(ref, "base64:"):
		body, err = base64.StdEncoding.DecodeString(strings.TrimPrefix(ref, "base64:"))
	case strings.HasPrefix(ref, "s3://"):
		body, err = m.fromS3(ctx, ref)
	default:
		body, err = m.fromHTTP(ctx, ref)
	}
	if err != nil {
		return "", err
	}

	body = m.downscale(filepath.Base(path), body)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func decodeDataURI(ref string) ([]byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return nil, errors.New("malformed data uri")
	}
	if strings.HasSuffix(meta, ";base64") {
		return base64.StdEncoding.DecodeString(payload)
	}
	s, err := url.PathUnescape(payload)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func (m *Materializer) fromS3(ctx context.Context, ref string) ([]byte, error) {
	if m.S3 == nil {
		return nil, errors.New("s3 reference but no s3 client configured")
	}
	bucket, key, ok := strings.Cut(strings.TrimPrefix(ref, "s3://"), "/")
	if !ok || bucket == "" || key == "" {
		return nil, fmt.Errorf("malformed s3 reference %q", ref)
	}
	out, err := m.S3.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", ref, err)
	}
	defer out.Body.Close()
	return readLimited(out.Body)
}

func (m *Materializer) fromHTTP(ctx context.Context, ref string) ([]byte, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	if m.Origin != nil {
		u = m.Origin.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("cannot fetch %q", ref)
	}
	client := m.HTTP
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download %s: status %d", u, resp.StatusCode)
	}
	return readLimited(resp.Body)
}

func readLimited(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxAttachmentBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxAttachmentBytes {
		return nil, fmt.Errorf("attachment too large (>%d bytes)", maxAttachmentBytes)
	}
	return body, nil
}

// downscale shrinks images whose longer side exceeds MaxImageDim. Anything
// that is not a decodable image passes through untouched.
func (m *Materializer) downscale(name string, body []byte) []byte {
	if m.MaxImageDim <= 0 {
		return body
	}
	format, err := imaging.FormatFromFilename(name)
	if err != nil {
		return body
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(body))
	if err != nil || (cfg.Width <= m.MaxImageDim && cfg.Height <= m.MaxImageDim) {
		return body
	}
	img, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return body
	}
	img = imaging.Fit(img, m.MaxImageDim, m.MaxImageDim, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, format, imaging.JPEGQuality(85)); err != nil {
		return body
	}
	m.Log.Debug("attachment downscaled", logx.String("name", name), logx.Int("from_w", cfg.Width), logx.Int("from_h", cfg.Height))
	return buf.Bytes()
}

func uniqueNames(atts []Attachment) []string {
	seen := make(map[string]int, len(atts))
	out := make([]string, len(atts))
	for i, a := range atts {
		n := safeName(a.Name, i)
		if c := seen[n]; c > 0 {
			ext := filepath.Ext(n)
			n = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(n, ext), c+1, ext)
		}
		seen[safeName(a.Name, i)]++
		out[i] = n
	}
	return out
}

// safeName keeps only the base name so a transfer cannot write outside
// the scratch directory.
func safeName(name string, idx int) string {
	n := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if n == "." || n == "/" || n == ".." || n == "" {
		n = fmt.Sprintf("attachment-%d", idx+1)
	}
	return n
}
