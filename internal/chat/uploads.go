package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"

	"github.com/user/chatbot/internal/types"
)

// File is one file to attach to a conversation.
type File struct {
	Name     string
	Size     int64
	MimeType string
	Open     func() (io.ReadCloser, error)
}

// FileFromPath describes a file on disk.
func FileFromPath(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("%s is a directory", path)
	}
	return File{
		Name:     filepath.Base(path),
		Size:     info.Size(),
		MimeType: mime.TypeByExtension(filepath.Ext(path)),
		Open:     func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

// UploadBatch is the files of one upload action.
type UploadBatch struct {
	ConvID types.ConvID
	Files  []File
	Ctx    context.Context
}

// Uploads runs upload batches on per-conversation lanes. Files of one
// conversation go strictly one after another; the semaphore bounds how many
// conversations upload at once.
type Uploads struct {
	lanes     map[types.ConvID]chan *UploadBatch
	semaphore *semaphore.Weighted
	processor func(*UploadBatch)
	active    atomic.Int64
	pending   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewUploads creates a queue running at most maxConcurrent lanes at once.
func NewUploads(maxConcurrent int64) *Uploads {
	return &Uploads{
		lanes:     make(map[types.ConvID]chan *UploadBatch),
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Uploads) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, closes all lanes, and waits for in-flight
// batches to finish. Batches still queued are dropped.
func (q *Uploads) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	q.closed = true
	for _, lane := range q.lanes {
		close(lane)
	}
	q.lanes = make(map[types.ConvID]chan *UploadBatch)
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds a batch to its conversation's lane, creating the lane (and
// its goroutine) on first use.
func (q *Uploads) Enqueue(batch *UploadBatch) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("upload queue stopped")
	}

	lane, exists := q.lanes[batch.ConvID]
	if !exists {
		lane = make(chan *UploadBatch, 16)
		q.lanes[batch.ConvID] = lane
		q.wg.Add(1)
		go q.processLane(batch.ConvID, lane)
	}

	q.pending.Add(1)
	select {
	case lane <- batch:
		return nil
	default:
		q.pending.Done()
		return fmt.Errorf("upload queue full for conversation %s", batch.ConvID)
	}
}

// processLane drains a single lane, holding a semaphore slot while a batch
// runs.
func (q *Uploads) processLane(convID types.ConvID, lane chan *UploadBatch) {
	defer q.wg.Done()
	for {
		select {
		case batch, ok := <-lane:
			if !ok {
				return
			}
			q.run(convID, batch)
		case <-q.ctx.Done():
			// Drop what is left so Wait does not hang.
			for {
				select {
				case _, ok := <-lane:
					if !ok {
						return
					}
					q.pending.Done()
				default:
					return
				}
			}
		}
	}
}

func (q *Uploads) run(convID types.ConvID, batch *UploadBatch) {
	defer q.pending.Done()
	if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
		return
	}
	defer q.semaphore.Release(1)
	if q.processor == nil {
		return
	}
	q.active.Add(1)
	defer q.active.Add(-1)
	if batch.Ctx == nil {
		batch.Ctx = q.ctx
	}
	slog.Debug("upload batch", "conv_id", convID, "files", len(batch.Files))
	q.processor(batch)
}

// Active returns the number of batches running now.
func (q *Uploads) Active() int64 {
	return q.active.Load()
}

// Wait blocks until every enqueued batch has run or been dropped.
func (q *Uploads) Wait() {
	q.pending.Wait()
}

// SetProcessor sets the function invoked for each dequeued batch.
func (q *Uploads) SetProcessor(fn func(*UploadBatch)) {
	q.processor = fn
}

// Upload attaches files to convID. answering is raised at once; the files
// are then uploaded in order on the conversation's lane, each one starting
// its own assistant stream when it lands.
func (s *Service) Upload(ctx context.Context, convID types.ConvID, files []File) error {
	if convID == "" {
		return ErrNoConversation
	}
	if len(files) == 0 {
		return nil
	}
	s.streams.SetAnswering(convID, true)
	// The batch must outlive the caller's request scope, but not the service.
	batchCtx := context.WithoutCancel(ctx)
	if err := s.uploads.Enqueue(&UploadBatch{ConvID: convID, Files: files, Ctx: batchCtx}); err != nil {
		s.streams.SetAnswering(convID, false)
		return fmt.Errorf("queue upload: %w", err)
	}
	return nil
}

func (s *Service) processUploads(batch *UploadBatch) {
	ctx, cancel := context.WithCancel(batch.Ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	started := false
	for _, f := range batch.Files {
		if ctx.Err() != nil {
			break
		}
		if s.uploadOne(ctx, batch.ConvID, f) {
			started = true
		}
	}
	// Nothing streams an answer if every file failed.
	if !started {
		if _, open := s.streams.Get(batch.ConvID); !open {
			s.streams.SetAnswering(batch.ConvID, false)
		}
	}
}

// uploadOne uploads f behind an optimistic placeholder and reports whether
// an assistant stream was started for it.
func (s *Service) uploadOne(ctx context.Context, convID types.ConvID, f File) bool {
	fid := types.NewMessageID()
	placeholder := s.outgoing(types.Message{
		ID:       fid,
		ParentID: fid,
		Type:     types.MessageHuman,
		Attachments: []types.FileMeta{{
			Filename: f.Name,
			Size:     f.Size,
			MimeType: f.MimeType,
			Status:   types.UploadUploading,
		}},
	})
	s.messages.UpdateOrAdd(convID, placeholder)
	logger := s.logger.With("conv_id", convID, "file", f.Name)

	meta, err := s.sendFile(ctx, convID, f)
	if err != nil {
		s.messages.DeleteMessage(convID, fid, fid)
		s.opts.Metrics.Upload(false)
		if ctx.Err() != nil {
			logger.Debug("upload cancelled")
			return false
		}
		logger.Error("upload failed", "error", err)
		s.notify(types.Notification{
			Level:  types.LevelError,
			Title:  "Upload failed: " + f.Name,
			Detail: detail(err),
			ConvID: convID,
		})
		return false
	}
	s.opts.Metrics.Upload(true)
	logger.Info("uploaded", "size", humanize.Bytes(uint64(max(f.Size, 0))))

	att := placeholder.Attachments[0]
	att.Status = types.UploadUploaded
	if meta != nil && meta.URL != "" {
		att.URL = meta.URL
	}
	uploaded := placeholder.Clone()
	uploaded.Attachments = []types.FileMeta{att}

	s.messages.UpdateOrAdd(convID, uploaded)
	s.record(convID, types.EntrySend, &uploaded, "")
	s.startStream(convID, uploaded)
	return true
}

func (s *Service) sendFile(ctx context.Context, convID types.ConvID, f File) (*types.FileMeta, error) {
	if s.opts.MaxUploadSize > 0 && f.Size > s.opts.MaxUploadSize {
		return nil, fmt.Errorf("%w: %s is %s, limit is %s", ErrFileTooLarge, f.Name,
			humanize.Bytes(uint64(f.Size)), humanize.Bytes(uint64(s.opts.MaxUploadSize)))
	}
	if f.Open == nil {
		return nil, fmt.Errorf("no content for %s", f.Name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	return s.backend.UploadFile(ctx, convID, f.Name, rc)
}
