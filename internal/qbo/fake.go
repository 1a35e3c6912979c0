package qbo

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FakeUploader mimics the attachment endpoint without network access. It
// checks the local file, fails a configurable fraction of calls and returns a
// synthetic transaction id otherwise.
type FakeUploader struct {
	failRate float64

	mu   sync.Mutex
	rand *rand.Rand
}

// NewFakeUploader builds a fake with the given failure probability. A zero
// seed seeds from the clock.
func NewFakeUploader(failRate float64, seed int64) *FakeUploader {
	if failRate < 0 {
		failRate = 0
	}
	if failRate > 1 {
		failRate = 1
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &FakeUploader{failRate: failRate, rand: rand.New(rand.NewSource(seed))}
}

func (u *FakeUploader) Upload(ctx context.Context, entityType, entityID, filePath string) Response {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return Response{Error: err.Error(), Duration: time.Since(start)}
	}
	if !isRegularFile(filePath) {
		return Response{
			StatusCode: http.StatusNotFound,
			Error:      fmt.Sprintf("file not found: %s", filePath),
			Duration:   time.Since(start),
		}
	}

	u.mu.Lock()
	fail := u.rand.Float64() < u.failRate
	suffix := u.rand.Intn(1000000)
	u.mu.Unlock()

	if fail {
		return Response{
			StatusCode: http.StatusInternalServerError,
			Error:      fmt.Sprintf("synthetic API failure attaching %s to %s %s", filepath.Base(filePath), entityType, entityID),
			Duration:   time.Since(start),
		}
	}
	return Response{
		StatusCode: http.StatusOK,
		IntuitTID:  fmt.Sprintf("1-%x-%06d", time.Now().UnixNano(), suffix),
		Duration:   time.Since(start),
	}
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}
