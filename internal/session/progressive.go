package session

import (
	"fmt"

	"github.com/opina-lab/signal-engine/internal/domain"
)

// DefaultPoolSize caps a progressive candidate pool.
const DefaultPoolSize = 16

// Pool flattens the options of active battles tagged with category into a
// tournament pool, de-duplicated by option id and capped at max (0 means
// DefaultPoolSize). An empty category matches every battle.
func Pool(battles []domain.Battle, category string, max int) []domain.Option {
	if max <= 0 {
		max = DefaultPoolSize
	}
	seen := make(map[string]bool)
	var pool []domain.Option
	for _, b := range battles {
		if b.Status == domain.BattleClosed {
			continue
		}
		for _, o := range b.Options {
			tag := o.Category
			if tag == "" {
				tag = b.Category
			}
			if category != "" && tag != category {
				continue
			}
			if seen[o.ID] {
				continue
			}
			seen[o.ID] = true
			pool = append(pool, o)
			if len(pool) == max {
				return pool
			}
		}
	}
	return pool
}

// winnerStays is a king-of-the-hill bracket. The first candidate is the
// champion and the second the first challenger. Each duel eliminates its
// loser; the winner stays and meets the next unseen candidate in pool order.
// After len(pool)-1 duels the champion is the survivor.
type winnerStays struct {
	id, title  string
	pool       []domain.Option
	champion   int
	challenger int
	round      int
	streak     int
	crownAfter int
	defeated   []domain.Option
}

// NewProgressive starts a tournament over pool. id names the tournament and
// becomes the battle id of every duel; instance ids are "<id>-round-<n>".
func NewProgressive(rec Recorder, id, title string, pool []domain.Option, opts Options) (*Session, error) {
	if len(pool) < 2 {
		return nil, domain.ErrNotEnoughCandidates
	}
	p := make([]domain.Option, len(pool))
	copy(p, pool)
	ws := &winnerStays{
		id:         id,
		title:      title,
		pool:       p,
		champion:   0,
		challenger: 1,
		round:      1,
		crownAfter: opts.CrownAfter,
	}
	return newSession(rec, ws, opts), nil
}

func (w *winnerStays) mode() domain.SessionMode { return domain.ModeProgressive }

func (w *winnerStays) current() (domain.BattleContext, bool) {
	if w.challenger >= len(w.pool) || w.crowned() {
		return domain.BattleContext{}, false
	}
	return domain.BattleContext{
		BattleID:         w.id,
		BattleInstanceID: fmt.Sprintf("%s-round-%d", w.id, w.round),
		Title:            w.title,
		Options:          []domain.Option{w.pool[w.champion], w.pool[w.challenger]},
	}, true
}

func (w *winnerStays) advance(winnerID string) bool {
	champ, chall := w.pool[w.champion], w.pool[w.challenger]
	switch winnerID {
	case champ.ID:
		w.defeated = append(w.defeated, chall)
		w.streak++
	case chall.ID:
		w.defeated = append(w.defeated, champ)
		w.champion = w.challenger
		w.streak = 1
	default:
		// Unrecorded vote: the duel is replayed.
		return false
	}
	w.challenger++
	w.round++
	return w.challenger >= len(w.pool) || w.crowned()
}

func (w *winnerStays) crowned() bool {
	return w.crownAfter > 0 && w.streak >= w.crownAfter
}

func (w *winnerStays) meta() map[string]any {
	return map[string]any{
		"tournament_id": w.id,
		"round":         w.round,
	}
}

func (w *winnerStays) summarize(s *Summary) {
	winner := w.pool[w.champion]
	s.Winner = &winner
	s.Defeated = append([]domain.Option(nil), w.defeated...)
}

func (w *winnerStays) position() int { return w.round - 1 }

func (w *winnerStays) size() int { return len(w.pool) - 1 }
