package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConsoleChatID is the chat id of the local console conversation.
const ConsoleChatID = "console:local"

const consolePrefix = "console:"

// Console is a line-oriented transport over a reader/writer pair, normally
// stdin/stdout. Each input line becomes one inbound message; sends are
// printed with the assistant name. Used for local runs and tests.
type Console struct {
	assistant string
	in        io.Reader
	out       io.Writer

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

func NewConsole(assistant string, in io.Reader, out io.Writer) *Console {
	return &Console{assistant: assistant, in: in, out: out}
}

func (c *Console) Name() string { return "console" }

func (c *Console) OwnsChatID(chatID string) bool {
	return strings.HasPrefix(chatID, consolePrefix)
}

// MaxMessageSize is generous; terminals do not truncate.
func (c *Console) MaxMessageSize() int { return 16 * 1024 }

func (c *Console) Connect(ctx context.Context, cb Callbacks) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("console: already connected")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.running = true

	if cb.OnChatMetadata != nil {
		cb.OnChatMetadata(ctx, ChatMetadata{
			Transport: c.Name(), ChatID: ConsoleChatID, Name: "console", IsGroup: false,
		})
	}

	go c.readLoop(ctx, cb)
	return nil
}

func (c *Console) readLoop(ctx context.Context, cb Callbacks) {
	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if cb.OnMessage != nil {
			cb.OnMessage(ctx, Inbound{
				Transport:  c.Name(),
				ChatID:     ConsoleChatID,
				MessageID:  uuid.NewString(),
				Sender:     "console-user",
				SenderName: "You",
				Text:       line,
				Timestamp:  time.Now(),
			})
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		slog.Warn("console read loop ended", "error", err)
	}
}

func (c *Console) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.running = false
	return nil
}

func (c *Console) Send(_ context.Context, chatID, text string) error {
	if !c.OwnsChatID(chatID) {
		return fmt.Errorf("console: unknown chat %s", chatID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "%s: %s\n", c.assistant, text)
	return err
}
