package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/MegaGrindStone/cppmcp/internal/errkind"
)

// StdIO implements the line-oriented stream transport: one JSON-RPC message per
// newline-terminated line in both directions, over stdin/stdout or any io.Reader/io.Writer pair.
// It provides exactly one session, which ends at end of input.
//
// Lines are read strictly one at a time. Writes are serialized through a single writer goroutine,
// so concurrent Send calls never interleave their lines.
type StdIO struct {
	sess   *stdIOSession
	closed chan struct{}
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

type stdIOSession struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writeMessages chan stdIOMessage
	done          chan struct{}
	stopOnce      sync.Once
	writeClosed   chan struct{}
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// NewStdIO creates a new StdIO instance configured with the provided reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) StdIO {
	s := StdIO{
		sess: &stdIOSession{
			id:            uuid.New().String(),
			reader:        reader,
			writer:        writer,
			logger:        slog.Default(),
			writeMessages: make(chan stdIOMessage),
			done:          make(chan struct{}),
			writeClosed:   make(chan struct{}),
		},
		closed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithStdIOLogger sets the logger of the transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.sess.logger = logger.With(slog.String("component", "stdio"))
	}
}

// Sessions implements the ServerTransport interface by yielding the single session and waiting
// until it is stopped, unless the caller stops the iteration first.
func (s StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		go s.sess.processWriteMessages()

		if !yield(s.sess) {
			return
		}
		<-s.sess.done
	}
}

// Shutdown implements the ServerTransport interface. It waits for the Sessions loop to end.
func (s StdIO) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

func (s *stdIOSession) ID() string { return s.id }

func (s *stdIOSession) Kind() string { return TransportStdio }

func (s *stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return errkind.Wrap(errkind.Transport, "failed to queue message", ctx.Err())
	case <-s.done:
		return errkind.New(errkind.Transport, "session is closed")
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			return errkind.Wrap(errkind.Transport, "failed to write message", err)
		}
		return nil
	case <-ctx.Done():
		return errkind.Wrap(errkind.Transport, "failed to wait for write result", ctx.Err())
	case <-s.done:
		return errkind.New(errkind.Transport, "session is closed")
	}
}

func (s *stdIOSession) Messages() iter.Seq2[JSONRPCMessage, error] {
	return func(yield func(JSONRPCMessage, error) bool) {
		// bufio.Reader instead of bufio.Scanner, so long lines never hit a token limit.
		reader := bufio.NewReader(s.reader)
		for {
			type lineWithErr struct {
				line string
				err  error
			}

			lines := make(chan lineWithErr, 1)

			// Reading on a separate goroutine keeps the loop responsive to Stop.
			go func() {
				line, err := reader.ReadString('\n')
				if err != nil && !(errors.Is(err, io.EOF) && line != "") {
					lines <- lineWithErr{err: err}
					return
				}
				lines <- lineWithErr{line: strings.TrimRight(line, "\r\n")}
			}()

			var lwe lineWithErr
			select {
			case <-s.done:
				return
			case lwe = <-lines:
			}

			if lwe.err != nil {
				if !errors.Is(lwe.err, io.EOF) {
					s.logger.Error("failed to read message", slog.String("err", lwe.err.Error()))
				}
				return
			}

			if strings.TrimSpace(lwe.line) == "" {
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(lwe.line), &msg); err != nil {
				if !yield(JSONRPCMessage{}, errkind.Wrap(errkind.Parse, "invalid json", err)) {
					return
				}
				continue
			}

			if !yield(msg, nil) {
				return
			}
		}
	}
}

func (s *stdIOSession) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	<-s.writeClosed
}

func (s *stdIOSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}
