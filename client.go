package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/miekg/dns"
)

const (
	queryRetries = 3
	sendWindow   = 4
	fetchWindow  = 4
	pollInterval = 250 * time.Millisecond
	turnTimeout  = 3 * time.Minute
	queryTimeout = 5 * time.Second
	retryBackoff = 300 * time.Millisecond
)

// Client is the DNS stub side of the tunnel: it sprays msg chunks,
// polls cnt, and drains get chunks as the server produces them.
type Client struct {
	server  string // host:port
	crypto  *Crypto
	chunker *Chunker
	dns     *dns.Client
	sid     string
	logger  *log.Logger
}

func NewClient(server string, suffix string, crypto *Crypto, logger *log.Logger) *Client {
	return &Client{
		server:  server,
		crypto:  crypto,
		chunker: NewChunker(suffix),
		dns:     &dns.Client{Timeout: queryTimeout},
		sid:     newSID(),
		logger:  logger.With("component", "client"),
	}
}

// Session ids are opaque and carry no secret; eight hex chars is
// plenty of space for concurrent conversations.
func newSID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (c *Client) SID() string { return c.sid }

// Test sends the health probe and checks for the fixed answer.
func (c *Client) Test() error {
	value, err := c.exchangeTXT(c.chunker.TstQuery())
	if err != nil {
		return err
	}
	if value != "pong" {
		return fmt.Errorf("%w: unexpected probe answer %q", ErrUpstreamFatal, value)
	}
	return nil
}

// Clear asks the server to drop this conversation's state.
func (c *Client) Clear() error {
	_, err := c.exchangeTXT(c.chunker.ClrQuery(c.sid))
	return err
}

// SendTurn ships one user message and streams the response through
// render in index order. Returns ErrDecrypt when the channel key does
// not match, ErrTimeout when the server stops making progress.
func (c *Client) SendTurn(ctx context.Context, text string, render func(string)) error {
	blob := c.crypto.Seal(compressPayload([]byte(text)))
	queries, err := c.chunker.BuildQueries(c.sid, blob)
	if err != nil {
		return err
	}
	c.logger.Debug("sending message", "sid", c.sid, "chunks", len(queries))

	if err := c.sendChunks(ctx, queries); err != nil {
		return err
	}
	return c.streamResponse(ctx, render)
}

// sendChunks dispatches msg queries with a bounded concurrency window,
// treating any answer except the ack as a failed delivery.
func (c *Client) sendChunks(ctx context.Context, queries []string) error {
	sem := make(chan struct{}, sendWindow)
	errs := make([]error, len(queries))
	var wg sync.WaitGroup

	for i, query := range queries {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, query string) {
			defer wg.Done()
			defer func() { <-sem }()
			value, err := c.exchangeTXT(query)
			if err != nil {
				errs[i] = err
				return
			}
			if value != "ok" {
				errs[i] = fmt.Errorf("%w: chunk %d not acknowledged (%q)", ErrUpstreamFatal, i, value)
			}
		}(i, query)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// streamResponse polls cnt and drains new chunks until the EOF
// sentinel or a terminal error state.
func (c *Client) streamResponse(ctx context.Context, render func(string)) error {
	deadline := time.Now().Add(turnTimeout)
	next := 0

	for {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: no response within %s", ErrTimeout, turnTimeout)
		}

		count, state, err := c.status()
		if err != nil {
			return err
		}

		for next < count {
			batch := count - next
			if batch > fetchWindow {
				batch = fetchWindow
			}
			chunks, err := c.fetchChunks(next, batch)
			if err != nil {
				return err
			}
			for _, raw := range chunks {
				plain, err := c.decodeChunk(raw)
				if err != nil {
					return err
				}
				next++
				if plain == eofSentinel {
					return nil
				}
				render(plain)
			}
		}

		switch state {
		case 'e':
			// Error turns end with the diagnostic chunk, already
			// rendered above after any output flushed before it.
			return fmt.Errorf("%w: server reported an error", ErrUpstreamFatal)
		case 'c':
			if next >= count {
				return nil
			}
		}
		time.Sleep(pollInterval)
	}
}

func (c *Client) status() (int, byte, error) {
	value, err := c.exchangeTXT(c.chunker.CntQuery(c.sid))
	if err != nil {
		return 0, 0, err
	}
	n, stateStr, ok := strings.Cut(value, ",")
	if !ok || len(stateStr) != 1 {
		return 0, 0, fmt.Errorf("%w: bad cnt answer %q", ErrUpstreamFatal, value)
	}
	count, err := strconv.Atoi(n)
	if err != nil || count < 0 {
		return 0, 0, fmt.Errorf("%w: bad cnt answer %q", ErrUpstreamFatal, value)
	}
	return count, stateStr[0], nil
}

// fetchChunks retrieves batch chunks starting at next, in parallel,
// returning them in index order.
func (c *Client) fetchChunks(next, batch int) ([]string, error) {
	chunks := make([]string, batch)
	errs := make([]error, batch)
	var wg sync.WaitGroup

	for i := 0; i < batch; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			chunks[i], errs[i] = c.fetchChunk(next + i)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return chunks, nil
}

func (c *Client) fetchChunk(idx int) (string, error) {
	for attempt := 0; attempt < queryRetries; attempt++ {
		value, err := c.exchangeTXT(c.chunker.GetQuery(c.sid, idx))
		if err != nil {
			return "", err
		}
		// cnt said this index exists; an empty answer is a race with
		// the producer, not an error.
		if value != "" && value != "END" {
			return value, nil
		}
		time.Sleep(pollInterval)
	}
	return "", fmt.Errorf("%w: chunk %d never materialized", ErrTimeout, idx)
}

func (c *Client) decodeChunk(raw string) (string, error) {
	blob, err := decodeLabel(raw)
	if err != nil {
		return "", ErrDecrypt
	}
	sealed, err := c.crypto.Open(blob)
	if err != nil {
		return "", err
	}
	plain, err := expandPayload(sealed)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// exchangeTXT sends one TXT query with bounded retries and returns the
// first string of the first TXT answer.
func (c *Client) exchangeTXT(name string) (string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeTXT)

	var lastErr error
	for attempt := 0; attempt < queryRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * retryBackoff)
			m.Id = dns.Id()
		}
		in, _, err := c.dns.Exchange(m, c.server)
		if err != nil {
			lastErr = err
			continue
		}
		switch in.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeServerFailure:
			// The server poisons a session over conflicting chunk
			// payloads; the only way out is a fresh turn.
			return "", fmt.Errorf("%w: server rejected the chunk", ErrChunkConflict)
		case dns.RcodeNameError:
			return "", fmt.Errorf("%w: %s", ErrSessionNotFound, name)
		default:
			return "", fmt.Errorf("%w: server answered %s", ErrUpstreamFatal, dns.RcodeToString[in.Rcode])
		}
		for _, rr := range in.Answer {
			if txt, ok := rr.(*dns.TXT); ok && len(txt.Txt) > 0 {
				return txt.Txt[0], nil
			}
		}
		return "", nil
	}
	return "", fmt.Errorf("%w: %v", ErrTimeout, lastErr)
}

// Chat runs the interactive prompt loop until EOF or quit.
func (c *Client) Chat(ctx context.Context, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "DNS LLM chat. Type 'quit' to exit, '/clear' to reset the conversation.")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "You: ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}

		fmt.Fprint(out, "Assistant: ")
		err := c.SendTurn(ctx, line, func(token string) {
			fmt.Fprint(out, token)
		})
		fmt.Fprintln(out)
		if err != nil {
			if err := reportTurnError(out, err); err != nil {
				return err
			}
		}
	}

	// Best effort; the idle sweeper gets it eventually anyway.
	c.Clear()
	fmt.Fprintln(out, "Chat session ended.")
	return scanner.Err()
}

// reportTurnError prints the user-facing message for a failed turn and
// decides whether the session can continue.
func reportTurnError(out io.Writer, err error) error {
	switch {
	case errors.Is(err, ErrDecrypt):
		fmt.Fprintln(out, "error: key mismatch or corrupt channel")
		return err
	case errors.Is(err, ErrTimeout):
		fmt.Fprintln(out, "error: turn timed out")
		return nil
	default:
		fmt.Fprintf(out, "error: %v\n", err)
		return nil
	}
}
