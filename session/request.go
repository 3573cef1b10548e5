package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Request describes one logical API call. It is a value: the body is
// buffered so the Gateway can replay it after a token refresh, and nothing in
// it records whether it has been retried.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Header      http.Header
	Body        []byte
	ContentType string

	// Public requests carry no bearer token and a 401 is returned without a
	// refresh attempt (e.g. login with wrong credentials).
	Public bool

	// ID is sent as X-Request-ID; generated when empty. The retry reuses it.
	ID string
}

// Get builds a GET request for path.
func Get(path string) Request {
	return Request{Method: http.MethodGet, Path: path}
}

// Delete builds a DELETE request for path.
func Delete(path string) Request {
	return Request{Method: http.MethodDelete, Path: path}
}

// JSON builds a request whose body is v encoded as JSON.
func JSON(method, path string, v any) (Request, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Request{}, fmt.Errorf("encode %s %s body: %w", method, path, err)
	}
	return Request{
		Method:      method,
		Path:        path,
		Body:        body,
		ContentType: "application/json",
	}, nil
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Attempts is 2 when the response came from the retry after a refresh.
	Attempts  int
	RequestID string
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Err classifies a non-2xx response; nil for 2xx.
func (r *Response) Err() error {
	if r.OK() {
		return nil
	}
	if r.StatusCode >= 400 && r.StatusCode < 500 {
		if fields := parseFieldErrors(r.Body); len(fields) > 0 {
			return &ValidationError{StatusCode: r.StatusCode, Fields: fields}
		}
	}
	return &StatusError{StatusCode: r.StatusCode, Body: r.Body}
}

// Decode checks the status and unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if v == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// parseFieldErrors walks an error body such as
// {"email": ["already taken"], "password": "too short"} keeping key order.
// A bare JSON string body becomes a single message with no field.
func parseFieldErrors(body []byte) []FieldError {
	dec := json.NewDecoder(bytes.NewReader(body))
	tok, err := dec.Token()
	if err != nil {
		return nil
	}
	switch t := tok.(type) {
	case json.Delim:
		if t != '{' {
			return nil
		}
	case string:
		if t == "" {
			return nil
		}
		return []FieldError{{Messages: []string{t}}}
	default:
		return nil
	}

	var out []FieldError
	// A truncated body still yields whatever was read before the error.
	_ = readObject(dec, "", &out)
	return out
}

func readObject(dec *json.Decoder, prefix string, out *[]FieldError) error {
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := tok.(string)
		field := prefix + key

		var msgs []string
		if err := readMessages(dec, field, &msgs, out); err != nil {
			return err
		}
		if len(msgs) > 0 {
			*out = append(*out, FieldError{Field: field, Messages: msgs})
		}
	}
	_, err := dec.Token()
	return err
}

func readMessages(dec *json.Decoder, field string, msgs *[]string, out *[]FieldError) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '[':
			for dec.More() {
				if err := readMessages(dec, field, msgs, out); err != nil {
					return err
				}
			}
			_, err := dec.Token()
			return err
		case '{':
			return readObject(dec, field+".", out)
		}
	case string:
		if t != "" {
			*msgs = append(*msgs, t)
		}
	case float64, bool:
		*msgs = append(*msgs, fmt.Sprint(t))
	}
	return nil
}
