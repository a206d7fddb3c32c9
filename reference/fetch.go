package reference

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"v.io/x/lib/vlog"
)

// Fetcher copies the content at a URI into w. Fetch must honor ctx
// cancellation.
type Fetcher interface {
	// Schemes lists the URI schemes served, e.g. "https".
	Schemes() []string
	Fetch(ctx context.Context, uri string, w io.Writer) (int64, error)
}

// HTTPFetcher fetches http and https URIs.
type HTTPFetcher struct {
	Client *http.Client
}

// Schemes implements Fetcher.
func (f *HTTPFetcher) Schemes() []string { return []string{"http", "https"} }

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, uri string, w io.Writer) (int64, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return 0, errors.E(errors.Invalid, err, uri)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close() // nolint: errcheck
	if resp.StatusCode/100 != 2 {
		kind := errors.Other
		if resp.StatusCode == http.StatusNotFound {
			kind = errors.NotExist
		}
		return 0, errors.E(kind, fmt.Sprintf("GET %s: %s", uri, resp.Status))
	}
	n, err := io.Copy(w, resp.Body)
	vlog.VI(1).Infof("GET %s: %d bytes, err %v", uri, n, err)
	return n, err
}

// S3Fetcher fetches s3://bucket/key URIs.
type S3Fetcher struct {
	Client s3iface.S3API
}

// NewS3Fetcher creates an S3Fetcher from an AWS session.
func NewS3Fetcher(sess *session.Session) *S3Fetcher {
	return &S3Fetcher{Client: s3.New(sess)}
}

// Schemes implements Fetcher.
func (f *S3Fetcher) Schemes() []string { return []string{"s3"} }

// Fetch implements Fetcher.
func (f *S3Fetcher) Fetch(ctx context.Context, uri string, w io.Writer) (int64, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return 0, errors.E(errors.Invalid, "malformed s3 uri", uri)
	}
	out, err := f.Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(strings.TrimPrefix(u.Path, "/")),
	})
	if err != nil {
		return 0, errors.E(err, "s3 get", uri)
	}
	defer out.Body.Close() // nolint: errcheck
	n, err := io.Copy(w, out.Body)
	vlog.VI(1).Infof("s3 get %s: %d bytes, err %v", uri, n, err)
	return n, err
}

// FileFetcher fetches file:// URIs and plain paths through
// github.com/grailbio/base/file. It is mainly used for mirrors on shared
// filesystems.
type FileFetcher struct{}

// Schemes implements Fetcher. The empty scheme matches plain paths.
func (FileFetcher) Schemes() []string { return []string{"file", ""} }

// Fetch implements Fetcher.
func (FileFetcher) Fetch(ctx context.Context, uri string, w io.Writer) (int64, error) {
	path := strings.TrimPrefix(uri, "file://")
	f, err := file.Open(ctx, path)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, &ctxReader{ctx: ctx, r: f.Reader(ctx)})
	if cerr := f.Close(ctx); err == nil {
		err = cerr
	}
	return n, err
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

func scheme(uri string) string {
	i := strings.Index(uri, "://")
	if i < 0 {
		return ""
	}
	return strings.ToLower(uri[:i])
}
