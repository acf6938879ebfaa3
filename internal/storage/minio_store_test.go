package storage

import (
	"context"
	"net/url"
	"testing"
)

func TestObjectURL(t *testing.T) {
	base, _ := url.Parse("https://cdn.example.com/snapshots/")
	cases := []struct {
		base *url.URL
		want string
	}{
		{base, "https://cdn.example.com/snapshots/alerts/cam/2024/05/01/e.jpg"},
		{nil, "http://minio:9000/bucket/alerts/cam/2024/05/01/e.jpg"},
	}
	for _, c := range cases {
		if got := objectURL(c.base, "http", "minio:9000", "bucket", "alerts/cam/2024/05/01/e.jpg"); got != c.want {
			t.Fatalf("objectURL = %q, want %q", got, c.want)
		}
	}

	root, _ := url.Parse("http://files.local")
	if got := objectURL(root, "http", "x", "b", "k.jpg"); got != "http://files.local/k.jpg" {
		t.Fatalf("root base = %q", got)
	}
}

func TestNewMinioStoreRequiresCredentials(t *testing.T) {
	if _, err := NewMinioStore(context.Background(), Config{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected error without credentials")
	}
	if (Config{}).Enabled() {
		t.Fatal("empty config should be disabled")
	}
}
