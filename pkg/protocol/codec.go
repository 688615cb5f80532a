package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	apperrors "livebridge/internal/errors"
)

// DefaultMaxFrameSize bounds a single line read from a peer.
const DefaultMaxFrameSize = 16 << 20

var (
	// ErrNeedMoreData is returned by Decode when buf holds no complete line.
	ErrNeedMoreData = errors.New("protocol: need more data")
	// ErrFrameTooLarge is returned when a line exceeds the reader's limit.
	ErrFrameTooLarge = errors.New("protocol: frame too large")
)

// Encode renders v as JSON followed by a single newline.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Decode consumes the first complete line of buf into v and returns what
// follows it. Blank lines are skipped. A line that is not valid JSON yields
// a KindMalformedMessage error together with the remainder, so the caller
// can answer and keep going.
func Decode(buf []byte, v any) (rest []byte, err error) {
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			return buf, ErrNeedMoreData
		}
		line := bytes.TrimSpace(buf[:i])
		buf = buf[i+1:]
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, v); err != nil {
			return buf, apperrors.Wrap(apperrors.KindMalformedMessage, "Invalid JSON", err)
		}
		return buf, nil
	}
}

// MalformedDescription renders a decode failure the way it is sent back to
// the peer.
func MalformedDescription(err error) string {
	var e *apperrors.E
	if errors.As(err, &e) && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return err.Error()
}

// Reader reads newline-delimited JSON frames from a stream.
type Reader struct {
	br  *bufio.Reader
	max int
}

// NewReader wraps r with the default frame limit.
func NewReader(r io.Reader) *Reader {
	return NewReaderSize(r, DefaultMaxFrameSize)
}

// NewReaderSize wraps r with a custom frame limit.
func NewReaderSize(r io.Reader, max int) *Reader {
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	return &Reader{br: bufio.NewReader(r), max: max}
}

// ReadFrame blocks until one non-blank line is available and decodes it
// into v. Stream failures (including a peer closing mid-frame) are returned
// as KindTransport; bad JSON as KindMalformedMessage, after which the
// reader is positioned at the next line.
func (r *Reader) ReadFrame(v any) error {
	for {
		line, err := r.readLine()
		if err != nil {
			return apperrors.Wrap(apperrors.KindTransport, "read frame", err)
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		_, err = Decode(line, v)
		return err
	}
}

// Peek blocks until at least one byte is buffered or the stream fails.
// Nothing is consumed.
func (r *Reader) Peek() error {
	_, err := r.br.Peek(1)
	return err
}

func (r *Reader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		if len(line)+len(chunk) > r.max {
			return nil, ErrFrameTooLarge
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

// Writer writes frames to a stream; safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame encodes v and writes it in one call. Write failures are
// returned as KindTransport.
func (w *Writer) WriteFrame(v any) error {
	b, err := Encode(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(b); err != nil {
		return apperrors.Wrap(apperrors.KindTransport, "write frame", err)
	}
	return nil
}
