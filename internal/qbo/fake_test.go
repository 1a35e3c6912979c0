package qbo

import (
	"context"
	"net/http"
	"path/filepath"
	"regexp"
	"testing"
)

var fakeTIDPattern = regexp.MustCompile(`^1-[0-9a-f]+-[0-9]{6}$`)

func TestFakeUploaderSucceedsWithTID(t *testing.T) {
	uploader := NewFakeUploader(0, 7)
	resp := uploader.Upload(context.Background(), "Bill", "1001", writeAttachment(t, "a.pdf", "x"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %+v", resp)
	}
	if !fakeTIDPattern.MatchString(resp.IntuitTID) {
		t.Fatalf("unexpected tid %q", resp.IntuitTID)
	}
	if resp.Error != "" {
		t.Fatalf("expected no error, got %q", resp.Error)
	}
}

func TestFakeUploaderSyntheticFailure(t *testing.T) {
	uploader := NewFakeUploader(1, 7)
	resp := uploader.Upload(context.Background(), "Bill", "1001", writeAttachment(t, "a.pdf", "x"))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %+v", resp)
	}
	if resp.Error != "synthetic API failure attaching a.pdf to Bill 1001" {
		t.Fatalf("unexpected error %q", resp.Error)
	}
	if resp.IntuitTID != "" {
		t.Fatalf("expected no tid on failure, got %q", resp.IntuitTID)
	}
}

func TestFakeUploaderMissingFile(t *testing.T) {
	uploader := NewFakeUploader(0, 7)
	missing := filepath.Join(t.TempDir(), "nope.pdf")
	resp := uploader.Upload(context.Background(), "Bill", "1001", missing)
	if resp.StatusCode != http.StatusNotFound || resp.Error != "file not found: "+missing {
		t.Fatalf("expected 404 file not found, got %+v", resp)
	}
}

func TestFakeUploaderDirectoryIsNotAFile(t *testing.T) {
	uploader := NewFakeUploader(0, 7)
	resp := uploader.Upload(context.Background(), "Bill", "1001", t.TempDir())
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for directory, got %+v", resp)
	}
}

func TestFakeSessionProvider(t *testing.T) {
	session, err := FakeSessionProvider{}.Session(context.Background())
	if err != nil {
		t.Fatalf("fake session failed: %v", err)
	}
	if session.Name != "fake-qbo-session" || session.RealmID != "1234567890" || session.AccessToken != "fake-access-token" {
		t.Fatalf("unexpected fake session %+v", session)
	}
}
