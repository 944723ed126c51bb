package auth

import (
	"net/http"

	"github.com/tidwall/gjson"
)

// ResponseVariable is the template variable the response is bound to while
// the condition is evaluated.
const ResponseVariable = "authResponse"

// Response is the read-only view of the upstream reply.
type Response struct {
	Status  int
	Headers http.Header
	Content string
}

// NewResponse captures resp with its already buffered body.
func NewResponse(resp *http.Response, body []byte) *Response {
	return &Response{
		Status:  resp.StatusCode,
		Headers: resp.Header.Clone(),
		Content: string(body),
	}
}

// Variables exposes the response to expressions as
// {status, headers, content, json}. Header names are canonical and map to
// their first value. json is present only when the content is valid JSON.
func (r *Response) Variables() map[string]any {
	headers := make(map[string]any, len(r.Headers))
	for name, values := range r.Headers {
		if len(values) > 0 {
			headers[http.CanonicalHeaderKey(name)] = values[0]
		}
	}

	vars := map[string]any{
		"status":  r.Status,
		"headers": headers,
		"content": r.Content,
	}
	if r.Content != "" && gjson.Valid(r.Content) {
		vars["json"] = gjson.Parse(r.Content).Value()
	}
	return vars
}

// Get extracts a value from JSON content with a gjson path.
func (r *Response) Get(path string) (string, bool) {
	if !gjson.Valid(r.Content) {
		return "", false
	}
	res := gjson.Get(r.Content, path)
	if !res.Exists() {
		return "", false
	}
	return res.String(), true
}
