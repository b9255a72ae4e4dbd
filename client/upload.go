package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/sessionwire/sessionwire/protocol"
	"github.com/sessionwire/sessionwire/swerrors"
	"github.com/sessionwire/sessionwire/wire"
)

// DefaultUploadChunkSize is the read granularity for upload sources.
const DefaultUploadChunkSize = 64 << 10

// UploadSpec describes the file being uploaded.
type UploadSpec struct {
	ProjectID string
	SessionID string
	Filename  string
	Size      int64
	MimeType  string

	// OnProgress receives the server's received-byte counts. Optional.
	OnProgress func(bytesReceived int64)
}

type uploadState struct {
	id       string
	progress func(int64)
	ackCh    chan int64
	doneCh   chan *protocol.UploadComplete
	errCh    chan error
}

// Upload streams r to the host and returns the staged file descriptor. The
// chunk transport follows the connection: binary frames when encrypted,
// base64 JSON otherwise.
func (c *Client) Upload(ctx context.Context, spec UploadSpec, r io.Reader) (json.RawMessage, error) {
	if spec.Filename == "" || spec.Size < 0 {
		return nil, swerrors.New(swerrors.StageValidate, swerrors.CodeInvalidInput)
	}
	id := uuid.New()
	st := &uploadState{
		id:       id.String(),
		progress: spec.OnProgress,
		ackCh:    make(chan int64, 16),
		doneCh:   make(chan *protocol.UploadComplete, 1),
		errCh:    make(chan error, 1),
	}
	c.uploadMu.Lock()
	c.uploads[st.id] = st
	c.uploadMu.Unlock()
	defer func() {
		c.uploadMu.Lock()
		delete(c.uploads, st.id)
		c.uploadMu.Unlock()
	}()

	err := c.sendMessage(ctx, &protocol.UploadStart{
		Type:      protocol.TypeUploadStart,
		UploadID:  st.id,
		ProjectID: spec.ProjectID,
		SessionID: spec.SessionID,
		Filename:  spec.Filename,
		Size:      spec.Size,
		MimeType:  spec.MimeType,
	})
	if err != nil {
		return nil, err
	}
	// The server acknowledges staging with progress at offset zero.
	if _, err := st.awaitAck(ctx, c.opts.requestTimeout); err != nil {
		return nil, err
	}

	c.mu.Lock()
	encrypted := c.key != nil
	c.mu.Unlock()

	buf := make([]byte, DefaultUploadChunkSize)
	var offset int64
	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			chunk := buf[:n]
			if encrypted {
				err = c.sendUploadPayload(ctx, wire.EncodeUploadChunk(id, uint64(offset), chunk))
			} else {
				err = c.sendMessage(ctx, &protocol.UploadChunk{
					Type:     protocol.TypeUploadChunk,
					UploadID: st.id,
					Offset:   offset,
					Data:     base64.StdEncoding.EncodeToString(chunk),
				})
			}
			if err != nil {
				return nil, err
			}
			offset += int64(n)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return nil, swerrors.Wrap(swerrors.StageUpload, swerrors.CodeUploadFailed, readErr)
		}
		if err := st.drainFailure(); err != nil {
			return nil, err
		}
	}

	if err := c.sendMessage(ctx, &protocol.UploadEnd{Type: protocol.TypeUploadEnd, UploadID: st.id}); err != nil {
		return nil, err
	}
	timeout := time.NewTimer(c.opts.requestTimeout)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, swerrors.Wrap(swerrors.StageUpload, swerrors.CodeCanceled, ctx.Err())
		case <-timeout.C:
			return nil, swerrors.New(swerrors.StageUpload, swerrors.CodeRequestTimeout)
		case err := <-st.errCh:
			return nil, err
		case done := <-st.doneCh:
			// Late progress reports may still sit behind the completion.
			for {
				select {
				case n := <-st.ackCh:
					if st.progress != nil {
						st.progress(n)
					}
				default:
					return done.File, nil
				}
			}
		case n := <-st.ackCh:
			if st.progress != nil {
				st.progress(n)
			}
		}
	}
}

// awaitAck waits for the next progress report.
func (st *uploadState) awaitAck(ctx context.Context, timeout time.Duration) (int64, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return 0, swerrors.Wrap(swerrors.StageUpload, swerrors.CodeCanceled, ctx.Err())
	case <-t.C:
		return 0, swerrors.New(swerrors.StageUpload, swerrors.CodeRequestTimeout)
	case err := <-st.errCh:
		return 0, err
	case n := <-st.ackCh:
		if st.progress != nil {
			st.progress(n)
		}
		return n, nil
	}
}

// drainFailure surfaces a server-side abort between chunk sends without
// blocking.
func (st *uploadState) drainFailure() error {
	for {
		select {
		case err := <-st.errCh:
			return err
		case n := <-st.ackCh:
			if st.progress != nil {
				st.progress(n)
			}
		default:
			return nil
		}
	}
}

func (c *Client) lookupUpload(id string) (*uploadState, bool) {
	c.uploadMu.Lock()
	defer c.uploadMu.Unlock()
	st, ok := c.uploads[id]
	return st, ok
}

func (c *Client) routeUploadProgress(msg *protocol.UploadProgress) {
	if st, ok := c.lookupUpload(msg.UploadID); ok {
		select {
		case st.ackCh <- msg.BytesReceived:
		default:
		}
	}
}

func (c *Client) routeUploadComplete(msg *protocol.UploadComplete) {
	if st, ok := c.lookupUpload(msg.UploadID); ok {
		select {
		case st.doneCh <- msg:
		default:
		}
	}
}

func (c *Client) routeUploadError(msg *protocol.UploadError) {
	if st, ok := c.lookupUpload(msg.UploadID); ok {
		select {
		case st.errCh <- swerrors.Wrap(swerrors.StageUpload, swerrors.CodeUploadFailed,
			fmt.Errorf("%s", msg.Error)):
		default:
		}
	}
}

// failUploads aborts every in-flight upload after a transport loss.
func (c *Client) failUploads(cause error) {
	c.uploadMu.Lock()
	states := make([]*uploadState, 0, len(c.uploads))
	for _, st := range c.uploads {
		states = append(states, st)
	}
	c.uploadMu.Unlock()
	for _, st := range states {
		select {
		case st.errCh <- swerrors.Wrap(swerrors.StageUpload, swerrors.CodeUploadFailed, cause):
		default:
		}
	}
}
