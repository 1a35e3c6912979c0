// Package qbo talks to the QuickBooks Online attachment endpoint. The
// reconciler depends only on Uploader; the fake and HTTP variants are
// interchangeable.
package qbo

import (
	"context"
	"net/http"
	"time"
)

// Response is the outcome of one upload call. StatusCode 200 means the
// attachment exists remotely; IntuitTID is set, or Error says the server sent
// none. StatusCode 404 is reserved
// for a local file that does not exist; every other code is a failure with
// Error set. StatusCode 0 means the request never got a response.
type Response struct {
	StatusCode int
	IntuitTID  string
	Error      string
	Duration   time.Duration
}

func (r Response) OK() bool {
	return r.StatusCode == http.StatusOK
}

type Uploader interface {
	Upload(ctx context.Context, entityType, entityID, filePath string) Response
}
