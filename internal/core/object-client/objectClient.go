package objectclient

import (
	"fmt"
	"net/url"
	"strings"
)

// ParseFileRef splits a stored file reference into bucket and key. Both the
// s3://bucket/key form returned by Upload and virtual-hosted S3 URLs
// (https://bucket.s3.region.amazonaws.com/key) are accepted.
func ParseFileRef(ref string) (bucket, key string, err error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", "", fmt.Errorf("invalid file ref %q: %w", ref, err)
	}
	key = strings.TrimPrefix(u.Path, "/")

	switch u.Scheme {
	case "s3":
		bucket = u.Host
	case "https", "http":
		host := u.Hostname()
		i := strings.Index(host, ".s3.")
		if i <= 0 || !strings.HasSuffix(host, ".amazonaws.com") {
			return "", "", fmt.Errorf("file ref %q is not an S3 URL", ref)
		}
		bucket = host[:i]
	default:
		return "", "", fmt.Errorf("file ref %q has unsupported scheme %q", ref, u.Scheme)
	}

	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("file ref %q lacks bucket or key", ref)
	}
	return bucket, key, nil
}

func FileRef(bucket, key string) string {
	return "s3://" + bucket + "/" + key
}
