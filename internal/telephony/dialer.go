package telephony

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alphame/callbridge/internal/reliability"
)

var (
	ErrMissingCredentials = errors.New("twilio credentials not configured")

	// ErrRejected covers non-retryable API rejections such as invalid numbers
	// or blocked destinations.
	ErrRejected = errors.New("call rejected by telephony provider")

	// ErrTransient covers failures worth retrying: rate limits and provider
	// 5xx responses.
	ErrTransient = errors.New("transient telephony provider failure")
)

// CallPlacer places outbound calls. The HTTP API depends on this interface so
// tests substitute a stub for the real provider client.
type CallPlacer interface {
	PlaceCall(ctx context.Context, toNumber string) (callID string, err error)
}

// Dialer places outbound calls through the Twilio REST API. Each placed call
// is handed TwiML that connects the answered leg back to this service's
// media-stream endpoint.
type Dialer struct {
	accountSID   string
	authToken    string
	fromNumber   string
	baseURL      string
	publicDomain string
	httpClient   *http.Client
}

func NewDialer(accountSID, authToken, fromNumber, baseURL, publicDomain string) *Dialer {
	return &Dialer{
		accountSID:   accountSID,
		authToken:    authToken,
		fromNumber:   fromNumber,
		baseURL:      strings.TrimRight(baseURL, "/"),
		publicDomain: publicDomain,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
	}
}

type callResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// PlaceCall creates an outbound call and returns the provider's call SID.
func (d *Dialer) PlaceCall(ctx context.Context, toNumber string) (string, error) {
	if d.accountSID == "" || d.authToken == "" || d.fromNumber == "" {
		return "", ErrMissingCredentials
	}

	form := url.Values{}
	form.Set("To", toNumber)
	form.Set("From", d.fromNumber)
	form.Set("Twiml", StreamTwiML(d.publicDomain))

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", d.baseURL, d.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build call request: %w", err)
	}
	req.SetBasicAuth(d.accountSID, d.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read call response: %w", err)
	}

	var parsed callResponse
	if err := json.Unmarshal(body, &parsed); err != nil && resp.StatusCode < 400 {
		return "", fmt.Errorf("decode call response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if parsed.SID == "" {
			return "", fmt.Errorf("call response missing sid")
		}
		return parsed.SID, nil
	case reliability.IsRetryableHTTPStatus(resp.StatusCode):
		return "", fmt.Errorf("%w: status %d: %s", ErrTransient, resp.StatusCode, parsed.Message)
	default:
		return "", fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, parsed.Message)
	}
}

// StreamTwiML builds the voice response that bridges an answered call into the
// media-stream websocket endpoint on publicDomain.
func StreamTwiML(publicDomain string) string {
	type stream struct {
		URL string `xml:"url,attr"`
	}
	type connect struct {
		Stream stream `xml:"Stream"`
	}
	type response struct {
		XMLName xml.Name `xml:"Response"`
		Connect connect  `xml:"Connect"`
	}

	doc := response{
		Connect: connect{
			Stream: stream{URL: fmt.Sprintf("wss://%s/media-stream", publicDomain)},
		},
	}
	out, err := xml.Marshal(doc)
	if err != nil {
		// The document is fixed-shape; marshal cannot fail at runtime.
		return ""
	}
	return xml.Header + string(out)
}
