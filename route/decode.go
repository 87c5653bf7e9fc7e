package route

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hitrelay/hitrelay/types"
)

// maxBodyBytes bounds a decompressed request body.
const maxBodyBytes = 1 << 20

func makeDecoders(num int) (chan *zstd.Decoder, error) {
	zstdDecoders := make(chan *zstd.Decoder, num)
	for i := 0; i < num; i++ {
		zReader, err := zstd.NewReader(
			nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderLowmem(true),
			zstd.WithDecoderMaxMemory(8*1024*1024),
		)
		if err != nil {
			return nil, err
		}
		zstdDecoders <- zReader
	}
	return zstdDecoders, nil
}

// readBody returns the request body, decompressed according to
// Content-Encoding.
func (r *Router) readBody(req *http.Request) ([]byte, error) {
	var reader io.Reader
	switch req.Header.Get("Content-Encoding") {
	case "gzip":
		gzipReader, err := gzip.NewReader(req.Body)
		if err != nil {
			return nil, err
		}
		defer gzipReader.Close()
		reader = gzipReader
	case "zstd":
		zReader := <-r.zstdDecoders
		defer func(zReader *zstd.Decoder) {
			zReader.Reset(nil)
			r.zstdDecoders <- zReader
		}(zReader)

		if err := zReader.Reset(req.Body); err != nil {
			return nil, err
		}
		reader = zReader
	default:
		reader = req.Body
	}

	body, err := io.ReadAll(io.LimitReader(reader, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxBodyBytes)
	}
	return body, nil
}

// readParams collects a hit from the query string and the body. Body values
// win over query values with the same key.
func (r *Router) readParams(req *http.Request) (types.Params, error) {
	params := types.Params{}
	for k, vs := range req.URL.Query() {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}

	body, err := r.readBody(req)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return params, nil
	}

	mediaType, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	var fromBody map[string]string
	switch mediaType {
	case "application/json":
		err = jsoniter.Unmarshal(body, &fromBody)
	case "application/x-msgpack", "application/msgpack":
		err = msgpack.Unmarshal(body, &fromBody)
	default:
		fromBody, err = parseForm(body)
	}
	if err != nil {
		return nil, err
	}
	for k, v := range fromBody {
		params[k] = v
	}
	return params, nil
}

func parseForm(body []byte) (map[string]string, error) {
	values, err := url.ParseQuery(string(bytes.TrimSpace(body)))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(values))
	for k, vs := range values {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out, nil
}

// parseBatch splits a batch body into hits, skipping blank lines.
func parseBatch(body []byte) ([]types.Params, error) {
	var hits []types.Params
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), maxBodyBytes)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		form, err := parseForm(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		hits = append(hits, types.Params(form))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return hits, nil
}
