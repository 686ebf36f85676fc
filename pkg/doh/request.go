package doh

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/valyala/fasttemplate"
)

// requestBuilder frames a DNS query as an HTTP/1.1 POST. The template carries
// {{host}}, {{path}} and {{length}} tags and ends with the blank line.
type requestBuilder struct {
	tpl  *fasttemplate.Template
	host string
	path string
	buf  bytes.Buffer
}

func newRequestBuilder(template, host, path string) (*requestBuilder, error) {
	tpl, err := fasttemplate.NewTemplate(template, "{{", "}}")
	if err != nil {
		return nil, fmt.Errorf("invalid request template: %w", err)
	}
	return &requestBuilder{tpl: tpl, host: host, path: path}, nil
}

// build returns the header followed by query. The returned slice is reused
// by the next call.
func (b *requestBuilder) build(query []byte) ([]byte, error) {
	b.buf.Reset()
	_, err := b.tpl.ExecuteFunc(&b.buf, func(w io.Writer, tag string) (int, error) {
		switch tag {
		case "host":
			return io.WriteString(w, b.host)
		case "path":
			return io.WriteString(w, b.path)
		case "length":
			return io.WriteString(w, strconv.Itoa(len(query)))
		default:
			return 0, fmt.Errorf("unknown template tag %q", tag)
		}
	})
	if err != nil {
		return nil, err
	}
	b.buf.Write(query)
	return b.buf.Bytes(), nil
}
