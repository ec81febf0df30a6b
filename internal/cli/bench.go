package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/storymap-studio/internal/ordering"
	"github.com/example/storymap-studio/internal/studio"
)

var (
	benchClients  int
	benchEdits    int
	benchInterval time.Duration
	benchTimeout  time.Duration
	benchTarget   time.Duration
	benchKeep     bool
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure time-to-saved of studio field edits",
	Long: `Open --clients studio connections for the token's site. Every client
inserts its own checkpoint, then edits its title --edits times and records the
time from sending the edit until the studio reports the row saved.`,
	Args: cobra.NoArgs,
	Run:  runBench,
}

func init() {
	benchCmd.Flags().IntVar(&benchClients, "clients", 4, "number of concurrent studio connections")
	benchCmd.Flags().IntVar(&benchEdits, "edits", 20, "edits per client")
	benchCmd.Flags().DurationVar(&benchInterval, "interval", 200*time.Millisecond, "pause between edits of a client")
	benchCmd.Flags().DurationVar(&benchTimeout, "timeout", 15*time.Second, "maximum wait for one edit to be saved")
	benchCmd.Flags().DurationVar(&benchTarget, "target", 2*time.Second, "p90 time-to-saved highlighted as a regression")
	benchCmd.Flags().BoolVar(&benchKeep, "keep", false, "keep the inserted checkpoints")
}

func runBench(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if profile.Token == "" {
		exitError("bench needs a token (--token, STUDIOCTL_TOKEN or the profile)")
	}
	wsURL, err := studioURL(profile.Server, profile.Token)
	if err != nil {
		exitError("%v", err)
	}

	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).With().Str("cmd", "bench").Logger()
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	var (
		mu      sync.Mutex
		samples []time.Duration
		failed  int
		wg      sync.WaitGroup
	)
	for i := 0; i < benchClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c := &benchClient{id: id, timeout: benchTimeout, logger: logger.With().Int("client", id).Logger()}
			got, misses, err := c.run(ctx, &dialer, wsURL, benchEdits, benchInterval, benchKeep)
			if err != nil {
				c.logger.Error().Err(err).Msg("client aborted")
			}
			mu.Lock()
			samples = append(samples, got...)
			failed += misses
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	Summarize(samples, failed).Print(os.Stdout, benchTarget)
}

// studioURL turns the server base URL into the studio WebSocket endpoint.
func studioURL(server, token string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/studio/ws"
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type benchItem struct {
	Key   ordering.Key `json:"key"`
	State string       `json:"state"`
	Value struct {
		Title string `json:"title"`
	} `json:"value"`
}

type benchMessage struct {
	Type       string          `json:"type"`
	Seq        uint64          `json:"seq"`
	Collection string          `json:"collection"`
	Checkpoint ordering.Key    `json:"checkpoint"`
	Key        ordering.Key    `json:"key"`
	Items      json.RawMessage `json:"items"`
	Notice     *studio.Notice  `json:"notice"`
}

type benchClient struct {
	id      int
	conn    *websocket.Conn
	seq     uint64
	timeout time.Duration
	logger  zerolog.Logger
}

func (c *benchClient) run(ctx context.Context, dialer *websocket.Dialer, wsURL string, edits int, interval time.Duration, keep bool) ([]time.Duration, int, error) {
	u := wsURL + "&client_id=" + url.QueryEscape(fmt.Sprintf("bench-%d", c.id))
	conn, resp, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, 0, fmt.Errorf("dial: %s: %w", resp.Status, err)
		}
		return nil, 0, fmt.Errorf("dial: %w", err)
	}
	c.conn = conn
	defer conn.Close()

	key, err := c.insert()
	if err != nil {
		return nil, 0, err
	}

	var (
		samples []time.Duration
		misses  int
	)
	for n := 0; n < edits; n++ {
		if ctx.Err() != nil {
			break
		}
		title := fmt.Sprintf("bench %d.%d", c.id, n)
		start := time.Now()
		if err := c.send(studio.ClientMessage{
			Op:         studio.OpUpdate,
			Collection: studio.CollectionCheckpoints,
			Key:        key,
			Field:      "title",
			Value:      structpb.NewStringValue(title),
		}); err != nil {
			return samples, misses, err
		}
		if err := c.awaitSaved(key, title); err != nil {
			misses++
			c.logger.Warn().Err(err).Str("title", title).Msg("edit not saved")
		} else {
			samples = append(samples, time.Since(start))
		}

		select {
		case <-ctx.Done():
		case <-time.After(interval):
		}
	}

	if !keep {
		if err := c.send(studio.ClientMessage{Op: studio.OpRemove, Collection: studio.CollectionCheckpoints, Key: key}); err != nil {
			return samples, misses, err
		}
		_ = c.send(studio.ClientMessage{Op: studio.OpFlush})
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return samples, misses, nil
}

func (c *benchClient) send(msg studio.ClientMessage) error {
	c.seq++
	msg.Seq = c.seq
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// insert adds the client's checkpoint at the top of the list and returns its key.
func (c *benchClient) insert() (ordering.Key, error) {
	at := 0
	if err := c.send(studio.ClientMessage{Op: studio.OpInsert, Collection: studio.CollectionCheckpoints, At: &at}); err != nil {
		return "", err
	}
	want := c.seq
	var key ordering.Key
	err := c.readUntil(func(msg benchMessage) (bool, error) {
		if msg.Type == studio.TypeAck && msg.Seq == want {
			key = msg.Key
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return "", fmt.Errorf("insert checkpoint: %w", err)
	}
	if key == "" {
		return "", errors.New("insert checkpoint: ack without key")
	}
	return key, nil
}

func (c *benchClient) awaitSaved(key ordering.Key, title string) error {
	return c.readUntil(func(msg benchMessage) (bool, error) {
		if msg.Type != studio.TypeSequence || msg.Collection != studio.CollectionCheckpoints || len(msg.Items) == 0 {
			return false, nil
		}
		var items []benchItem
		if err := json.Unmarshal(msg.Items, &items); err != nil {
			return false, fmt.Errorf("decode sequence: %w", err)
		}
		for _, it := range items {
			if it.Key == key {
				return it.State == "saved" && it.Value.Title == title, nil
			}
		}
		return false, errors.New("checkpoint disappeared")
	})
}

// readUntil reads messages until done reports true. Backend notices about
// the client's own edits abort the wait.
func (c *benchClient) readUntil(done func(benchMessage) (bool, error)) error {
	deadline := time.Now().Add(c.timeout)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg benchMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		if msg.Type == studio.TypeNotice && msg.Notice != nil && msg.Notice.Kind == studio.NoticeBackend {
			return fmt.Errorf("backend notice: %s", msg.Notice.Message)
		}
		ok, err := done(msg)
		if err != nil || ok {
			return err
		}
	}
}
