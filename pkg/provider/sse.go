package provider

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/rs/zerolog/log"
)

var (
	sseDataPrefix = []byte("data:")
	sseDone       = []byte("[DONE]")
)

// sseStream decodes "data:" lines of a server-sent event stream into chunks.
// Comments, event names and blank lines are ignored. Lines that are not
// valid JSON are logged and skipped.
type sseStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	eof    bool
}

var _ ChunkStream = (*sseStream)(nil)

func newSSEStream(body io.ReadCloser) *sseStream {
	return &sseStream{
		body:   body,
		reader: bufio.NewReader(body),
	}
}

func (s *sseStream) Recv() (Chunk, error) {
	for {
		if s.eof {
			return Chunk{}, io.EOF
		}
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				return Chunk{}, err
			}
			s.eof = true
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == ':' || !bytes.HasPrefix(line, sseDataPrefix) {
			continue
		}
		data := bytes.TrimSpace(line[len(sseDataPrefix):])
		if bytes.Equal(data, sseDone) {
			s.eof = true
			return Chunk{}, io.EOF
		}

		var chunk Chunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			log.Warn().Err(err).Int("data_len", len(data)).Msg("skipping malformed stream chunk")
			continue
		}
		return chunk, nil
	}
}

func (s *sseStream) Close() error {
	s.eof = true
	return s.body.Close()
}
