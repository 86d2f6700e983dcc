package recording

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cadenza-voice/cadenza/pkg/auth"
)

// HTTPUploader ships recordings to the backend's recording intake endpoint.
// Each upload is a single POST carrying the raw audio body; recording
// metadata travels in headers so the server can file the blob without
// parsing it.
type HTTPUploader struct {
	endpoint string
	creds    auth.Provider
	client   *http.Client
}

var _ Uploader = (*HTTPUploader)(nil)

// UploaderOption configures an [HTTPUploader].
type UploaderOption func(*HTTPUploader)

// WithUploadClient overrides the HTTP client used for uploads. The default
// has a 60 second timeout; recordings can be large.
func WithUploadClient(c *http.Client) UploaderOption {
	return func(u *HTTPUploader) { u.client = c }
}

// NewHTTPUploader creates an uploader posting to endpoint, authenticated via
// creds.
func NewHTTPUploader(endpoint string, creds auth.Provider, opts ...UploaderOption) *HTTPUploader {
	u := &HTTPUploader{
		endpoint: endpoint,
		creds:    creds,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

// Upload ships one recording. A non-2xx response is an error; the caller
// owns status bookkeeping and retry policy.
func (u *HTTPUploader) Upload(ctx context.Context, rec Recording) error {
	cred, err := u.creds.Credential(ctx)
	if err != nil {
		return fmt.Errorf("recording: upload credential: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(rec.Audio))
	if err != nil {
		return fmt.Errorf("recording: build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("Content-Type", rec.MimeType)
	req.Header.Set("X-Recording-ID", rec.ID.String())
	req.Header.Set("X-Conversation-ID", rec.ConversationID)
	req.Header.Set("X-Duration-Ms", strconv.FormatInt(rec.Duration.Milliseconds(), 10))
	req.Header.Set("X-Recorded-At", rec.CreatedAt.UTC().Format(time.RFC3339))

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("recording: upload: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: upload rejected with status %d", auth.ErrCredential, resp.StatusCode)
	default:
		return fmt.Errorf("recording: upload failed with status %d", resp.StatusCode)
	}
}
