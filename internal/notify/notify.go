package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Messenger pushes text to a chat destination (a group's service id).
type Messenger interface {
	Push(ctx context.Context, to, text string) error
}

// Log writes pushes to the logger instead of a chat service.
type Log struct {
	Logger *zap.Logger
}

func (l Log) Push(_ context.Context, to, text string) error {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("push message", zap.String("to", to), zap.String("text", text))
	return nil
}

// Message is one recorded push.
type Message struct {
	To   string
	Text string
}

// Recorder keeps every push in memory. Fail makes pushes to the listed destinations error.
type Recorder struct {
	mu       sync.Mutex
	Messages []Message
	Fail     map[string]error
}

func (r *Recorder) Push(_ context.Context, to, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.Fail[to]; ok {
		return err
	}
	r.Messages = append(r.Messages, Message{To: to, Text: text})
	return nil
}

// To returns the texts pushed to one destination, in order.
func (r *Recorder) To(to string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.Messages {
		if m.To == to {
			out = append(out, m.Text)
		}
	}
	return out
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Messages)
}
