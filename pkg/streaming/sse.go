package streaming

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tanvigunjal/multimodal-rag-client/pkg/chat"
)

const streamRichPath = "/v1/query/stream-rich"

// connectionLost is the display message for transport failures the
// server never explained.
const connectionLost = "connection lost"

// maxConsecutiveMalformed is how many malformed payloads in a row the
// parser tolerates before declaring the stream broken. A well-formed
// event resets the counter.
const maxConsecutiveMalformed = 5

// SSEStream speaks the rich protocol: a GET request carrying the query
// and token as URL parameters, answered with text/event-stream. The
// server emits named events `sources` (JSON array of citations),
// `token` (JSON-encoded string fragment) and `end`.
type SSEStream struct {
	cfg Config
}

func NewSSEStream(cfg Config) *SSEStream {
	return &SSEStream{cfg: cfg}
}

var _ Transport = (*SSEStream)(nil)

func (t *SSEStream) Open(ctx context.Context, query string, cb Callbacks) (Handle, error) {
	if t.cfg.Token == "" {
		return nil, ErrNotAuthenticated
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("token", t.cfg.Token)
	endpoint := strings.TrimRight(t.cfg.BaseURL, "/") + streamRichPath + "?" + params.Encode()

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "building stream request")
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.cfg.httpClient().Do(req)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "opening rich stream")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		cancel()
		if detail := errorDetail(body); detail != "" {
			return nil, errors.New(detail)
		}
		return nil, errors.Errorf("rich stream returned status %d", resp.StatusCode)
	}

	h := &streamHandle{cancel: cancel}
	h.cb = cb
	go streamSSE(h, resp)
	return h, nil
}

// sseEvent is one dispatched server-sent event: the event name plus
// the joined data lines.
type sseEvent struct {
	name string
	data string
}

func streamSSE(h *streamHandle, resp *http.Response) {
	defer func(body io.ReadCloser) {
		_ = body.Close()
	}(resp.Body)

	reader := bufio.NewReader(resp.Body)
	var eventLines [][]byte
	var full strings.Builder
	malformed := 0
	eventCount := 0

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if h.isClosed() {
				log.Debug().Int("events", eventCount).Msg("stream reader stopped after close")
				return
			}
			if err != io.EOF {
				log.Warn().Err(err).Int("events", eventCount).Msg("rich stream read failed")
			}
			// The server always announces completion with an `end`
			// event; reaching here means the connection dropped.
			h.error(connectionLost)
			return
		}
		if len(bytes.TrimSpace(line)) != 0 {
			eventLines = append(eventLines, line)
			continue
		}

		// Blank line dispatches the accumulated event.
		ev := parseSSEEvent(eventLines)
		eventLines = eventLines[:0]
		eventCount++

		switch ev.name {
		case "sources":
			var sources []chat.Source
			if jsonErr := json.Unmarshal([]byte(ev.data), &sources); jsonErr != nil {
				log.Warn().Err(jsonErr).Msg("dropping malformed sources event")
				malformed++
			} else {
				malformed = 0
				h.sources(chat.DedupSources(sources))
			}
		case "token":
			var tok string
			if jsonErr := json.Unmarshal([]byte(ev.data), &tok); jsonErr != nil {
				log.Debug().Err(jsonErr).Msg("dropping malformed token event")
				malformed++
			} else {
				malformed = 0
				full.WriteString(tok)
				h.token(tok)
			}
		case "end":
			h.end(full.String())
			return
		default:
			log.Debug().Str("event", ev.name).Msg("ignoring unknown stream event")
		}

		if malformed >= maxConsecutiveMalformed {
			log.Error().Int("count", malformed).Msg("too many malformed stream events")
			h.error("too many malformed events")
			return
		}
	}
}

// parseSSEEvent splits accumulated "field: value" lines into the event
// name and its data. Multiple data lines are joined with newlines per
// the SSE framing rules.
func parseSSEEvent(lines [][]byte) sseEvent {
	ev := sseEvent{}
	data := ""
	for _, line := range lines {
		line = bytes.TrimSuffix(line, []byte("\n"))
		line = bytes.TrimSuffix(line, []byte("\r"))

		parts := bytes.SplitN(line, []byte(": "), 2)
		if len(parts) != 2 {
			continue
		}
		field, value := string(parts[0]), string(parts[1])
		switch field {
		case "event":
			ev.name = value
		case "data":
			data += value + "\n"
		}
	}
	ev.data = strings.TrimSuffix(data, "\n")
	return ev
}

// errorDetail extracts the `detail` field the backend puts in error
// bodies, or "" when the body is not such a payload.
func errorDetail(body []byte) string {
	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Detail
}
