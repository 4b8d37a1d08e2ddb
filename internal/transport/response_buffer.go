package transport

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
)

// ResponseBuffer captures a handler's response so middleware can rewrite the body
// before anything reaches the client.
type ResponseBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func NewResponseBuffer() *ResponseBuffer {
	return &ResponseBuffer{header: make(http.Header)}
}

func (b *ResponseBuffer) Header() http.Header { return b.header }

func (b *ResponseBuffer) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *ResponseBuffer) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *ResponseBuffer) Status() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

func (b *ResponseBuffer) Body() []byte { return b.body.Bytes() }

// Rewritable reports whether the captured response is a successful, non-empty JSON body.
func (b *ResponseBuffer) Rewritable() bool {
	status := b.Status()
	if status < 200 || status >= 300 || b.body.Len() == 0 {
		return false
	}
	return strings.Contains(b.header.Get("Content-Type"), "application/json")
}

// Send copies headers and status to w and writes body instead of the captured one.
func (b *ResponseBuffer) Send(w http.ResponseWriter, body []byte) {
	for k, vs := range b.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(b.Status())
	_, _ = w.Write(body)
}

// Passthrough writes the captured response unchanged.
func (b *ResponseBuffer) Passthrough(w http.ResponseWriter) {
	b.Send(w, b.body.Bytes())
}
