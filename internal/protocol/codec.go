package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Encoder writes one JSON document per line. It is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// EncodeRequest validates and writes req.
func (e *Encoder) EncodeRequest(req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	switch req.Type {
	case RequestInit, RequestShutdown:
	case RequestRun:
		if req.JobID == "" {
			return fmt.Errorf("run request missing job_id")
		}
	default:
		return fmt.Errorf("unknown request type: %q", req.Type)
	}
	return e.encode(req)
}

// EncodeResponse validates and writes resp.
func (e *Encoder) EncodeResponse(resp *Response) error {
	if err := validateResponse(resp); err != nil {
		return err
	}
	return e.encode(resp)
}

func (e *Encoder) encode(v any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	return nil
}

// Decoder reads successive frames from a stream.
type Decoder struct {
	dec *json.Decoder
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

// DecodeRequest reads the next request. It returns io.EOF when the stream
// ends cleanly between frames.
func (d *Decoder) DecodeRequest() (*Request, error) {
	var req Request
	if err := d.dec.Decode(&req); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if req.Protocol != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	return &req, nil
}

// DecodeResponse reads and validates the next response.
func (d *Decoder) DecodeResponse() (*Response, error) {
	var resp Response
	if err := d.dec.Decode(&resp); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := validateResponse(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func validateResponse(resp *Response) error {
	switch resp.Type {
	case ResponseReady, ResponseResult:
	default:
		return fmt.Errorf("invalid response type: %q", resp.Type)
	}

	if resp.Status == "" {
		return fmt.Errorf("response missing required field: status")
	}
	if resp.Status != StatusOK && resp.Status != StatusError {
		return fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", resp.Status)
	}
	if resp.Status == StatusError && resp.Error == "" {
		return fmt.Errorf("response has status=error but no error message")
	}
	return nil
}
