package onelake

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/imroc/req/v3"
	"github.com/openmined/lakelift/internal/transfer"
)

const (
	HeaderVersion     = "x-ms-version"
	HeaderRequestID   = "x-ms-client-request-id"
	HeaderErrorCode   = "x-ms-error-code"
	HeaderContentType = "x-ms-content-type"
	headerIfNoneMatch = "If-None-Match"
	headerRetryAfter  = "Retry-After"
)

const (
	opCreate = "create"
	opHead   = "head"
	opAppend = "append"
	opFlush  = "flush"
)

// storeError is the JSON error body returned by the DFS endpoint.
type storeError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call carries the per-upload request state.
type call struct {
	client *Client
	url    string
	token  string
}

func (c *call) request(ctx context.Context) (*req.Request, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, c.client.cfg.RequestTimeout)
	r := c.client.http.R().
		SetContext(ctx).
		SetBearerAuthToken(c.token).
		SetHeader(HeaderRequestID, uuid.NewString())
	return r, cancel
}

// create declares the resource. It reports false when the resource already
// exists and mustNotExist was set.
func (c *call) create(ctx context.Context, mustNotExist bool) (bool, error) {
	r, cancel := c.request(ctx)
	defer cancel()

	r.SetQueryParam("resource", "file")
	if mustNotExist {
		r.SetHeader(headerIfNoneMatch, "*")
	}
	resp, err := r.Put(c.url)
	if err != nil {
		return false, requestError(opCreate, err)
	}

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		return true, nil
	case http.StatusConflict, http.StatusPreconditionFailed:
		if mustNotExist {
			return false, nil
		}
	}
	return false, statusError(opCreate, resp)
}

// head returns the committed size of the resource.
func (c *call) head(ctx context.Context) (int64, bool, error) {
	r, cancel := c.request(ctx)
	defer cancel()

	resp, err := r.Head(c.url)
	if err != nil {
		return 0, false, requestError(opHead, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		size, err := strconv.ParseInt(resp.GetHeader("Content-Length"), 10, 64)
		if err != nil {
			size = resp.ContentLength
		}
		return size, true, nil
	case http.StatusNotFound:
		return 0, false, nil
	}
	return 0, false, statusError(opHead, resp)
}

func (c *call) append(ctx context.Context, position int64, chunk []byte) error {
	r, cancel := c.request(ctx)
	defer cancel()

	resp, err := r.
		SetQueryParam("action", "append").
		SetQueryParam("position", strconv.FormatInt(position, 10)).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(chunk).
		Patch(c.url)
	if err != nil {
		return requestError(opAppend, err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return statusError(opAppend, resp)
	}
	c.client.stats.onSend(len(chunk))
	return nil
}

func (c *call) flush(ctx context.Context, position int64, contentType string) error {
	r, cancel := c.request(ctx)
	defer cancel()

	r.SetQueryParam("action", "flush").
		SetQueryParam("position", strconv.FormatInt(position, 10))
	if contentType != "" {
		r.SetHeader(HeaderContentType, contentType)
	}
	resp, err := r.Patch(c.url)
	if err != nil {
		return requestError(opFlush, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return statusError(opFlush, resp)
	}
	return nil
}

func requestError(op string, err error) error {
	return &opError{op: op, err: err}
}

// opError wraps a transport failure with the protocol step it happened in.
type opError struct {
	op  string
	err error
}

func (e *opError) Error() string { return e.op + ": " + e.err.Error() }
func (e *opError) Unwrap() error { return e.err }

func statusError(op string, resp *req.Response) error {
	se := &transfer.StatusError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Code:       resp.GetHeader(HeaderErrorCode),
		RetryAfter: parseRetryAfter(resp.GetHeader(headerRetryAfter)),
	}

	if body := resp.Bytes(); len(body) > 0 {
		var e storeError
		if jsonUnmarshal(body, &e) == nil {
			if se.Code == "" {
				se.Code = e.Error.Code
			}
			se.Message = e.Error.Message
		} else {
			se.Message = truncate(strings.TrimSpace(string(body)), 200)
		}
	}
	return se
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
