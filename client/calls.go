package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/sessionwire/sessionwire/protocol"
	"github.com/sessionwire/sessionwire/swerrors"
)

// Result is a completed tunneled request.
type Result struct {
	Status  int
	Headers map[string]string
	Body    json.RawMessage
}

// Fetch tunnels one request to the host application and waits for the
// matching response. Status >= 400 returns a structured error carrying the
// numeric status and the setup-required flag mirrored from the response
// headers.
func (c *Client) Fetch(ctx context.Context, method, path string, headers map[string]string, body json.RawMessage) (*Result, error) {
	if method == "" || path == "" {
		return nil, swerrors.New(swerrors.StageValidate, swerrors.CodeInvalidInput)
	}
	id := newID()
	ch := make(chan *protocol.Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	cleanup := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	err := c.sendMessage(ctx, &protocol.Request{
		Type: protocol.TypeRequest, ID: id,
		Method: method, Path: path, Headers: headers, Body: body,
	})
	if err != nil {
		cleanup()
		return nil, err
	}

	timeout := time.NewTimer(c.opts.requestTimeout)
	defer timeout.Stop()
	select {
	case <-ctx.Done():
		cleanup()
		return nil, swerrors.Wrap(swerrors.StageRequest, swerrors.CodeCanceled, ctx.Err())
	case <-timeout.C:
		cleanup()
		return nil, swerrors.New(swerrors.StageRequest, swerrors.CodeRequestTimeout)
	case resp := <-ch:
		return resultFromResponse(resp)
	}
}

func resultFromResponse(resp *protocol.Response) (*Result, error) {
	if resp.Status == 0 {
		return nil, swerrors.Wrap(swerrors.StageRequest, swerrors.CodeConnectionClosed,
			fmt.Errorf("%s", resp.Error))
	}
	if resp.Status >= 400 {
		return nil, &swerrors.Error{
			Stage:         swerrors.StageRequest,
			Code:          codeForStatus(resp.Status),
			Status:        resp.Status,
			SetupRequired: boolHeader(resp.Headers, "x-setup-required"),
			Err:           fmt.Errorf("%s", responseErrorText(resp)),
		}
	}
	return &Result{Status: resp.Status, Headers: resp.Headers, Body: resp.Body}, nil
}

func responseErrorText(resp *protocol.Response) string {
	if resp.Error != "" {
		return resp.Error
	}
	return "status " + strconv.Itoa(resp.Status)
}

func codeForStatus(status int) swerrors.Code {
	switch status {
	case 401:
		return swerrors.CodeAuthRequired
	case 403:
		return swerrors.CodeForbidden
	}
	return swerrors.CodeInvalidInput
}

func boolHeader(h map[string]string, key string) bool {
	v, ok := h[key]
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// Blob is a reconstructed binary response body.
type Blob struct {
	Data        []byte
	ContentType string
}

// FetchBlob tunnels a request for a binary resource and reconstructs the
// payload from the base64 marker shape.
func (c *Client) FetchBlob(ctx context.Context, path string) (*Blob, error) {
	res, err := c.Fetch(ctx, "GET", path, nil, nil)
	if err != nil {
		return nil, err
	}
	var marker protocol.BinaryBody
	if err := json.Unmarshal(res.Body, &marker); err != nil || !marker.Binary {
		return nil, swerrors.Wrap(swerrors.StageRequest, swerrors.CodeFrameMalformed,
			fmt.Errorf("response is not a binary payload"))
	}
	data, err := base64.StdEncoding.DecodeString(marker.Data)
	if err != nil {
		return nil, swerrors.Wrap(swerrors.StageRequest, swerrors.CodeFrameMalformed, err)
	}
	ct := marker.ContentType
	if ct == "" {
		ct = res.Headers["content-type"]
	}
	return &Blob{Data: data, ContentType: ct}, nil
}
