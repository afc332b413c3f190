package attestation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestS3ExportSinkUploadsUnderBundleIDKey(t *testing.T) {
	var gotKey, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotKey = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_REGION", "us-east-1")

	sink, err := NewS3ExportSink(ctx, S3ExportConfig{
		Bucket: "attestation-bucket", Region: "us-east-1", Endpoint: srv.URL, Prefix: "bundles/",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bundle := &Bundle{BundleID: "deadbeef", MaturityScore: 1}
	key, err := sink.Export(ctx, bundle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "bundles/attestation-deadbeef.json" {
		t.Errorf("expected key bundles/attestation-deadbeef.json, got %s", key)
	}
	if gotMethod != http.MethodPut {
		t.Errorf("expected a PUT request, got %s", gotMethod)
	}
	if !strings.Contains(gotKey, "attestation-deadbeef.json") {
		t.Errorf("expected the uploaded path to contain the bundle key, got %s", gotKey)
	}
}

func TestS3ExportSinkRejectsBundleWithoutID(t *testing.T) {
	ctx := context.Background()
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_REGION", "us-east-1")

	sink, err := NewS3ExportSink(ctx, S3ExportConfig{Bucket: "b", Region: "us-east-1", Endpoint: "http://127.0.0.1:0"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := sink.Export(ctx, &Bundle{}); err == nil {
		t.Error("expected an error for a bundle with no bundle id")
	}
}
