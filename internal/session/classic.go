package session

import "github.com/opina-lab/signal-engine/internal/domain"

// classicQueue walks a fixed queue of battles, one vote each.
type classicQueue struct {
	queue []domain.BattleContext
	index int
}

// NewClassic starts a classic session over queue, usually the active
// battles. The session completes after BatchSize recorded votes or when the
// queue runs out, whichever comes first.
func NewClassic(rec Recorder, queue []domain.BattleContext, opts Options) (*Session, error) {
	if len(queue) == 0 {
		return nil, domain.ErrEmptyQueue
	}
	q := make([]domain.BattleContext, len(queue))
	copy(q, queue)
	return newSession(rec, &classicQueue{queue: q}, opts), nil
}

func (c *classicQueue) mode() domain.SessionMode { return domain.ModeClassic }

func (c *classicQueue) current() (domain.BattleContext, bool) {
	if c.index >= len(c.queue) {
		return domain.BattleContext{}, false
	}
	return c.queue[c.index], true
}

func (c *classicQueue) advance(string) bool {
	c.index++
	return c.index >= len(c.queue)
}

func (c *classicQueue) meta() map[string]any { return nil }

func (c *classicQueue) summarize(*Summary) {}

func (c *classicQueue) position() int { return c.index }

func (c *classicQueue) size() int { return len(c.queue) }

func (c *classicQueue) seek(index int) bool {
	if index < 0 || index >= len(c.queue) {
		return false
	}
	c.index = index
	return true
}
