// Package chat answers text that is not a command by echoing remembered words.
package chat

import (
	"context"
	"math/rand"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"lbot/internal/repo"
)

var (
	knownPrefixes   = []string{"は知ってるけど、", "は当たり前だね。でも", "は最近はやってるよ。ところで"}
	unknownPrefixes = []string{"はよく分からないけど、", "は覚えておくね。話は変わって", "? OK. Then "}
	suffixes        = []string{"じゃない?", "だよね。", "なんだって!", "らしいよ。"}
)

const emptyVocabulary = "何にも分からない……"

// Responder remembers every unknown text it is given, up to Max words.
type Responder struct {
	Repo repo.Repo
	Max  int
	Log  *zap.Logger
	Now  func() time.Time

	mu   sync.Mutex
	rand *rand.Rand
}

func New(r repo.Repo, max int, log *zap.Logger) *Responder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Responder{Repo: r, Max: max, Log: log, Now: time.Now, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Seed makes replies reproducible.
func (c *Responder) Seed(seed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rand = rand.New(rand.NewSource(seed))
}

func (c *Responder) pick(items []string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rand == nil {
		c.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return items[c.rand.Intn(len(items))]
}

// Reply never fails; store errors are logged and produce no reply.
func (c *Responder) Reply(ctx context.Context, text string) string {
	words, err := c.Repo.ListWords(ctx)
	if err != nil {
		c.Log.Warn("list vocabulary", zap.Error(err))
		return ""
	}
	word := emptyVocabulary
	if len(words) > 0 {
		word = c.pick(words)
	}
	if slices.Contains(words, text) {
		return text + c.pick(knownPrefixes) + word + c.pick(suffixes)
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	if err := c.Repo.RememberWord(ctx, text, c.Max, now()); err != nil {
		c.Log.Warn("remember word", zap.String("word", text), zap.Error(err))
	}
	return text + c.pick(unknownPrefixes) + word + c.pick(suffixes)
}
