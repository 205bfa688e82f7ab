package llm

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/nulzo/model-gateway/pkg/api"
	"go.uber.org/zap"
)

// Stream is a finite, pull-based, non-restartable sequence of canonical
// chunks. Recv returns io.EOF once the upstream finished cleanly; any other
// error is terminal. After the first terminal result every call returns
// io.EOF. Close releases the upstream connection and is safe to call more
// than once and concurrently with Recv.
type Stream interface {
	Recv() (*api.ChatResponse, error)
	Close() error
}

// Source is a native event source: SSE/NDJSON lines or SDK events.
// Next returns io.EOF when the transport ends.
type Source[T any] interface {
	Next() (T, error)
	Close() error
}

// Action tells the normalizer what to do with one native event.
type Action int

const (
	// Skip drops the event (heartbeats, comments, empty deltas).
	Skip Action = iota
	// Emit yields the mapped chunk.
	Emit
	// EmitFinal yields the mapped chunk and ends the stream cleanly.
	EmitFinal
	// Stop ends the stream cleanly without a chunk (end sentinel).
	Stop
)

// MapFunc maps one native event. A non-nil error marks an undecodable event,
// which is logged and skipped, unless it is an *api.Problem: an error event
// reported by the upstream ends the stream with that Problem.
type MapFunc[T any] func(event T) (*api.ChatResponse, Action, error)

type normalizer[T any] struct {
	ctx      context.Context
	provider string
	src      Source[T]
	mapFn    MapFunc[T]
	logger   *zap.Logger

	done      atomic.Bool
	finished  bool // a finish_reason was seen
	closeOnce sync.Once
	closeErr  error
	stopWatch func() bool
}

// Normalize turns a native source into a Stream. Cancelling ctx closes the
// source, which unblocks any pending read.
func Normalize[T any](ctx context.Context, provider string, src Source[T], mapFn MapFunc[T], logger *zap.Logger) Stream {
	n := &normalizer[T]{
		ctx:      ctx,
		provider: provider,
		src:      src,
		mapFn:    mapFn,
		logger:   logger,
	}
	n.stopWatch = context.AfterFunc(ctx, func() {
		_ = n.closeSource()
	})
	return n
}

func (n *normalizer[T]) Recv() (*api.ChatResponse, error) {
	for {
		if n.done.Load() {
			return nil, io.EOF
		}
		if err := n.ctx.Err(); err != nil {
			n.terminate()
			return nil, err
		}

		event, err := n.src.Next()
		if err != nil {
			n.terminate()
			if ctxErr := n.ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, io.EOF) {
				if n.finished {
					return nil, io.EOF
				}
				// the transport ended without a sentinel or a finish reason
				return nil, api.StreamInterrupted(n.provider, io.ErrUnexpectedEOF)
			}
			return nil, api.StreamInterrupted(n.provider, err)
		}

		chunk, action, err := n.mapFn(event)
		if _, ok := api.AsProblem(err); ok {
			n.terminate()
			return nil, err
		}
		if err != nil {
			n.logger.Warn("Skipping undecodable stream event",
				zap.String("provider", n.provider),
				zap.Error(err))
			continue
		}

		switch action {
		case Skip:
			continue
		case Stop:
			n.terminate()
			return nil, io.EOF
		case Emit, EmitFinal:
			if chunk == nil {
				continue
			}
			if chunk.FinishReason() != "" {
				n.finished = true
			}
			if action == EmitFinal {
				n.terminate()
			}
			return chunk, nil
		}
	}
}

func (n *normalizer[T]) terminate() {
	n.done.Store(true)
	n.stopWatch()
	_ = n.closeSource()
}

func (n *normalizer[T]) closeSource() error {
	n.closeOnce.Do(func() {
		n.closeErr = n.src.Close()
	})
	return n.closeErr
}

func (n *normalizer[T]) Close() error {
	n.done.Store(true)
	n.stopWatch()
	return n.closeSource()
}

// bufferedStream replays a fixed chunk list.
type bufferedStream struct {
	mu     sync.Mutex
	chunks []*api.ChatResponse
}

func (s *bufferedStream) Recv() (*api.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *bufferedStream) Close() error {
	s.mu.Lock()
	s.chunks = nil
	s.mu.Unlock()
	return nil
}

// StreamFromResponse presents a buffered completion as a one-chunk stream.
// Used for models that cannot stream.
func StreamFromResponse(resp *api.ChatResponse) Stream {
	chunk := *resp
	chunk.Object = api.ObjectChatCompletionChunk
	chunk.Choices = make([]api.Choice, len(resp.Choices))
	for i, c := range resp.Choices {
		chunk.Choices[i] = api.Choice{
			Index:        c.Index,
			Delta:        c.Message,
			FinishReason: c.FinishReason,
		}
	}
	return &bufferedStream{chunks: []*api.ChatResponse{&chunk}}
}

// StreamFromChunks replays chunks; used by tests and fakes.
func StreamFromChunks(chunks ...*api.ChatResponse) Stream {
	return &bufferedStream{chunks: chunks}
}

// Collect drains s into a buffered completion. The stream is closed.
func Collect(s Stream) (*api.ChatResponse, error) {
	defer func() {
		_ = s.Close()
	}()

	var (
		out     api.ChatResponse
		content []byte
		role    = string(api.Assistant)
		finish  string
	)
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if out.ID == "" {
			out.ID = chunk.ID
			out.Model = chunk.Model
			out.Created = chunk.Created
		}
		if chunk.Usage != nil {
			out.Usage = chunk.Usage
		}
		for _, c := range chunk.Choices {
			if c.Index != 0 {
				continue
			}
			if c.Delta != nil {
				if c.Delta.Role != "" {
					role = c.Delta.Role
				}
				content = append(content, c.Delta.Content.String()...)
			}
			if c.FinishReason != "" {
				finish = c.FinishReason
			}
		}
	}

	out.Object = api.ObjectChatCompletion
	out.Choices = []api.Choice{{
		Index:        0,
		Message:      &api.ChatMessage{Role: role, Content: api.NewTextContent(string(content))},
		FinishReason: finish,
	}}
	return &out, nil
}
