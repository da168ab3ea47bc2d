// Package wire implements the unframed one-request-per-connection protocol:
// the reader consumes bytes until they form one complete JSON value.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/bridged/api"
)

var (
	// ErrTooLarge is returned when the request exceeds the configured size bound.
	ErrTooLarge = errors.New("wire: request too large")
	// ErrMalformed is returned for invalid JSON or when the peer stopped
	// sending before a complete value arrived.
	ErrMalformed = errors.New("wire: malformed request")
	// ErrEmpty is returned when the peer closed without sending anything.
	ErrEmpty = errors.New("wire: empty request")
)

// SizeError carries the observed size when ErrTooLarge is returned.
type SizeError struct {
	Size  int
	Limit int64
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("request too large: %s exceeds %s limit",
		humanize.IBytes(uint64(e.Size)), humanize.IBytes(uint64(e.Limit)))
}

func (e *SizeError) Unwrap() error { return ErrTooLarge }

// deadliner is implemented by net.Conn.
type deadliner interface {
	SetReadDeadline(time.Time) error
}

var errOverLimit = errors.New("wire: size limit reached")

// boundedReader counts bytes, stops one byte past the limit and extends the
// read deadline before every read.
type boundedReader struct {
	r     io.Reader
	dl    deadliner
	idle  time.Duration
	limit int64
	n     int64
}

func (b *boundedReader) Read(p []byte) (int, error) {
	if b.n > b.limit {
		return 0, errOverLimit
	}
	if b.dl != nil && b.idle > 0 {
		_ = b.dl.SetReadDeadline(time.Now().Add(b.idle))
	}
	if room := b.limit + 1 - b.n; int64(len(p)) > room {
		p = p[:room]
	}
	n, err := b.r.Read(p)
	b.n += int64(n)
	if b.n > b.limit {
		return n, errOverLimit
	}
	return n, err
}

// ReadRequest reads one complete JSON value from r and returns its bytes.
// Bytes after the value are ignored. The value is scanned once as it
// arrives. When r supports read deadlines, idle extends the deadline before
// every read so only a stalled peer is cut off.
func ReadRequest(r io.Reader, maxBytes int64, idle time.Duration) ([]byte, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("wire: max bytes must be > 0")
	}
	br := &boundedReader{r: r, idle: idle, limit: maxBytes}
	br.dl, _ = r.(deadliner)
	dec := json.NewDecoder(br)
	var raw json.RawMessage
	err := dec.Decode(&raw)
	if err == nil {
		raw = bytes.TrimSpace(raw)
		if int64(len(raw)) > maxBytes {
			return nil, &SizeError{Size: len(raw), Limit: maxBytes}
		}
		return raw, nil
	}
	var (
		syntaxErr *json.SyntaxError
		ne        net.Error
	)
	switch {
	case errors.Is(err, errOverLimit):
		return nil, &SizeError{Size: int(br.n), Limit: maxBytes}
	case errors.Is(err, io.ErrUnexpectedEOF):
		return nil, fmt.Errorf("%w: incomplete JSON after %d bytes", ErrMalformed, br.n)
	case errors.Is(err, io.EOF):
		return nil, ErrEmpty
	case errors.As(err, &syntaxErr):
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.As(err, &ne) && ne.Timeout():
		return nil, fmt.Errorf("wire: read idle timeout after %d bytes: %w", br.n, err)
	default:
		return nil, fmt.Errorf("wire: read: %w", err)
	}
}

// Decode parses a complete request payload into a generic JSON object. Numbers
// are kept as json.Number.
func Decode(payload []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: request must be a JSON object", ErrMalformed)
	}
	return obj, nil
}

// WriteResponse encodes resp to w as one JSON document.
func WriteResponse(w io.Writer, resp api.Response) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(resp); err != nil {
		return fmt.Errorf("wire: write response: %w", err)
	}
	return nil
}

// WriteRequest encodes req to w. Used by the client.
func WriteRequest(w io.Writer, req api.Request) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(req); err != nil {
		return fmt.Errorf("wire: write request: %w", err)
	}
	return nil
}

// ReadResponse decodes one response document from r.
func ReadResponse(r io.Reader) (api.Response, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var resp api.Response
	if err := dec.Decode(&resp); err != nil {
		return api.Response{}, fmt.Errorf("wire: read response: %w", err)
	}
	return resp, nil
}
