package host

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/sessionwire/sessionwire/protocol"
)

// handleRequest reconstructs a tunneled request, executes it against the
// in-process application, and answers with a response frame. Failures always
// produce a response so the client's pending handler never hangs.
func (s *Server) handleRequest(ctx context.Context, c *Conn, msg *protocol.Request) {
	start := time.Now()
	resp := s.executeRequest(ctx, msg)
	s.obs.TunnelRequest(resp.Status, time.Since(start))
	if err := c.sendMessage(ctx, resp); err != nil {
		c.log.Warn("request response dropped", "request_id", msg.ID, "err", err)
	}
}

func (s *Server) executeRequest(ctx context.Context, msg *protocol.Request) *protocol.Response {
	fail := func(status int, text string) *protocol.Response {
		return &protocol.Response{
			Type: protocol.TypeResponse, ID: msg.ID, Status: status, Error: text,
		}
	}
	if s.app == nil {
		return fail(http.StatusBadGateway, "no application registered")
	}
	if msg.Method == "" || !strings.HasPrefix(msg.Path, "/") {
		return fail(http.StatusBadRequest, "invalid request")
	}

	body, contentType, err := decodeRequestBody(msg.Body)
	if err != nil {
		return fail(http.StatusBadRequest, "invalid request body")
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, msg.Method, s.cfg.APIBase+msg.Path, bytes.NewReader(body))
	if err != nil {
		return fail(http.StatusBadRequest, "invalid request")
	}
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	rec := httptest.NewRecorder()
	s.app.ServeHTTP(rec, req)
	res := rec.Result()
	defer res.Body.Close()

	out := &protocol.Response{
		Type:    protocol.TypeResponse,
		ID:      msg.ID,
		Status:  res.StatusCode,
		Headers: tunnelHeaders(res.Header),
	}
	raw := rec.Body.Bytes()
	if len(raw) > 0 {
		encoded, err := encodeResponseBody(raw, res.Header.Get("Content-Type"))
		if err != nil {
			return fail(http.StatusBadGateway, "unencodable response body")
		}
		out.Body = encoded
	}
	if res.StatusCode >= 400 && out.Error == "" {
		out.Error = http.StatusText(res.StatusCode)
	}
	return out
}

// decodeRequestBody unwraps the base64 marker shape for binary bodies and
// passes JSON bodies through untouched.
func decodeRequestBody(body json.RawMessage) (data []byte, contentType string, err error) {
	if len(body) == 0 {
		return nil, "", nil
	}
	var marker protocol.BinaryBody
	if err := json.Unmarshal(body, &marker); err == nil && marker.Binary {
		raw, err := base64.StdEncoding.DecodeString(marker.Data)
		if err != nil {
			return nil, "", err
		}
		return raw, marker.ContentType, nil
	}
	return body, "application/json", nil
}

// encodeResponseBody wraps binary payloads in the base64 marker shape; JSON
// and text payloads travel as raw JSON.
func encodeResponseBody(body []byte, contentType string) (json.RawMessage, error) {
	if isBinaryContentType(contentType) {
		return json.Marshal(&protocol.BinaryBody{
			Binary:      true,
			Data:        base64.StdEncoding.EncodeToString(body),
			ContentType: contentType,
		})
	}
	if json.Valid(body) {
		return json.RawMessage(body), nil
	}
	// Non-JSON text still has to fit in a JSON field.
	return json.Marshal(string(body))
}

func isBinaryContentType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	return strings.HasPrefix(ct, "image/") ||
		strings.HasPrefix(ct, "audio/") ||
		strings.HasPrefix(ct, "video/") ||
		strings.HasPrefix(ct, "application/octet-stream")
}

// tunnelHeaders keeps the x-* subset plus content-type and etag.
func tunnelHeaders(h http.Header) map[string]string {
	out := make(map[string]string)
	for k, vs := range h {
		if len(vs) == 0 {
			continue
		}
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "x-") || lk == "content-type" || lk == "etag" {
			out[lk] = vs[0]
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
