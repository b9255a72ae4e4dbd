package host

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/sessionwire/sessionwire/protocol"
	"github.com/sessionwire/sessionwire/wire"
)

type chunkWrite struct {
	offset int64
	data   []byte
}

// upload is one in-flight resumable upload. Chunk validation and the
// received-byte counters run on the connection's dispatch goroutine; a
// dedicated writer goroutine performs the staging writes in order.
type upload struct {
	id        string
	stagingID string
	size      int64

	received     int64 // dispatch-goroutine owned
	lastProgress int64

	writes    chan chunkWrite
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// finish closes the write stream so the writer finalizes. Safe to call once
// per upload; later calls are no-ops.
func (u *upload) finish() {
	u.closeOnce.Do(func() { close(u.writes) })
}

func (s *Server) sendUploadError(ctx context.Context, c *Conn, uploadID, text string) {
	_ = c.sendMessage(ctx, &protocol.UploadError{
		Type: protocol.TypeUploadError, UploadID: uploadID, Error: text,
	})
}

// handleUploadStart allocates staging and acknowledges with progress zero.
func (s *Server) handleUploadStart(ctx context.Context, c *Conn, msg *protocol.UploadStart) {
	if s.staging == nil {
		s.sendUploadError(ctx, c, msg.UploadID, "uploads unavailable")
		return
	}
	if msg.UploadID == "" || msg.Filename == "" || msg.Size < 0 {
		s.sendUploadError(ctx, c, msg.UploadID, "invalid upload-start")
		return
	}
	if _, ok := c.uploads[msg.UploadID]; ok {
		s.sendUploadError(ctx, c, msg.UploadID, "upload id in use")
		return
	}
	stagingID, err := s.staging.Start(ctx, UploadInfo{
		ProjectID: msg.ProjectID,
		SessionID: msg.SessionID,
		Filename:  msg.Filename,
		Size:      msg.Size,
		MimeType:  msg.MimeType,
	})
	if err != nil {
		c.log.Warn("upload staging failed", "upload_id", msg.UploadID, "err", err)
		s.sendUploadError(ctx, c, msg.UploadID, "staging failed")
		return
	}
	uctx, cancel := context.WithCancel(context.Background())
	u := &upload{
		id:        msg.UploadID,
		stagingID: stagingID,
		size:      msg.Size,
		writes:    make(chan chunkWrite, 16),
		ctx:       uctx,
		cancel:    cancel,
	}
	c.uploads[msg.UploadID] = u
	go s.uploadWriter(c, u)
	_ = c.sendMessage(ctx, &protocol.UploadProgress{
		Type: protocol.TypeUploadProgress, UploadID: msg.UploadID, BytesReceived: 0,
	})
}

// handleUploadChunk accepts a base64 JSON chunk.
func (s *Server) handleUploadChunk(ctx context.Context, c *Conn, msg *protocol.UploadChunk) {
	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		s.failUpload(ctx, c, msg.UploadID, "invalid chunk encoding")
		return
	}
	s.acceptChunk(ctx, c, msg.UploadID, msg.Offset, data)
}

// handleUploadFrame accepts a binary upload payload: UUID, offset, chunk.
func (s *Server) handleUploadFrame(ctx context.Context, c *Conn, payload []byte) {
	id, offset, chunk, err := wire.DecodeUploadChunk(payload)
	if err != nil {
		c.log.Warn("malformed upload frame ignored", "err", err)
		return
	}
	s.acceptChunk(ctx, c, id.String(), int64(offset), chunk)
}

// acceptChunk enforces strict offset ordering and hands the write to the
// upload's writer goroutine.
func (s *Server) acceptChunk(ctx context.Context, c *Conn, uploadID string, offset int64, data []byte) {
	u, ok := c.uploads[uploadID]
	if !ok {
		s.sendUploadError(ctx, c, uploadID, "unknown upload")
		return
	}
	if u.ctx.Err() != nil {
		delete(c.uploads, uploadID)
		return
	}
	if offset != u.received {
		s.failUpload(ctx, c, uploadID, "chunk offset mismatch")
		return
	}
	select {
	case u.writes <- chunkWrite{offset: offset, data: data}:
	case <-u.ctx.Done():
		delete(c.uploads, uploadID)
		return
	}
	u.received += int64(len(data))
	s.obs.UploadBytes(len(data))
	if u.received-u.lastProgress >= s.cfg.ProgressGranularity || (u.size > 0 && u.received >= u.size) {
		u.lastProgress = u.received
		_ = c.sendMessage(ctx, &protocol.UploadProgress{
			Type: protocol.TypeUploadProgress, UploadID: uploadID, BytesReceived: u.received,
		})
	}
}

// handleUploadEnd drains pending writes and finalizes.
func (s *Server) handleUploadEnd(ctx context.Context, c *Conn, msg *protocol.UploadEnd) {
	u, ok := c.uploads[msg.UploadID]
	if !ok {
		s.sendUploadError(ctx, c, msg.UploadID, "unknown upload")
		return
	}
	delete(c.uploads, msg.UploadID)
	u.finish()
}

// failUpload aborts an upload after a protocol violation.
func (s *Server) failUpload(ctx context.Context, c *Conn, uploadID, text string) {
	if u, ok := c.uploads[uploadID]; ok {
		delete(c.uploads, uploadID)
		u.cancel()
	}
	s.sendUploadError(ctx, c, uploadID, text)
}

// uploadWriter performs staging writes in arrival order, then finalizes or
// cancels. It is the only goroutine touching the staging entry.
func (s *Server) uploadWriter(c *Conn, u *upload) {
	for {
		select {
		case <-u.ctx.Done():
			_ = s.staging.Cancel(context.Background(), u.stagingID)
			s.obs.UploadDone(false)
			return
		case w, ok := <-u.writes:
			if !ok {
				file, err := s.staging.Complete(u.ctx, u.stagingID)
				if err != nil {
					c.log.Warn("upload finalize failed", "upload_id", u.id, "err", err)
					s.sendUploadError(context.Background(), c, u.id, "finalize failed")
					s.obs.UploadDone(false)
					return
				}
				_ = c.sendMessage(context.Background(), &protocol.UploadComplete{
					Type: protocol.TypeUploadComplete, UploadID: u.id, File: file,
				})
				s.obs.UploadDone(true)
				return
			}
			if err := s.staging.WriteChunk(u.ctx, u.stagingID, w.offset, w.data); err != nil {
				c.log.Warn("upload write failed", "upload_id", u.id, "err", err)
				s.sendUploadError(context.Background(), c, u.id, "write failed")
				u.cancel()
				_ = s.staging.Cancel(context.Background(), u.stagingID)
				s.obs.UploadDone(false)
				return
			}
		}
	}
}
