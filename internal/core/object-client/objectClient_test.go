package objectclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFileRef(t *testing.T) {
	cases := []struct {
		ref, bucket, key string
	}{
		{"s3://contexta-docs/sources/abc.pdf", "contexta-docs", "sources/abc.pdf"},
		{"https://contexta-docs.s3.us-east-2.amazonaws.com/sources/abc.pdf", "contexta-docs", "sources/abc.pdf"},
		{FileRef("b", "k/with/slashes.pdf"), "b", "k/with/slashes.pdf"},
	}
	for _, tc := range cases {
		bucket, key, err := ParseFileRef(tc.ref)
		require.NoError(t, err, tc.ref)
		assert.Equal(t, tc.bucket, bucket)
		assert.Equal(t, tc.key, key)
	}
}

func TestParseFileRefRejects(t *testing.T) {
	for _, ref := range []string{
		"",
		"s3://bucket-only",
		"ftp://host/key",
		"https://example.com/key",
		"https://.s3.us-east-2.amazonaws.com/key",
	} {
		_, _, err := ParseFileRef(ref)
		assert.Error(t, err, ref)
	}
}
