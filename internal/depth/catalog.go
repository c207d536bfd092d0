package depth

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/opina-lab/signal-engine/internal/domain"
)

// DefaultEntity names the question set used when an entity has none.
const DefaultEntity = "default"

//go:embed questions/default.yaml
var builtin embed.FS

// QuestionSet is the YAML form of one entity's questions.
type QuestionSet struct {
	EntityID  string            `yaml:"entity_id"`
	Questions []domain.Question `yaml:"questions"`
}

// Catalog holds question sets keyed by entity id. The built-in default set
// is always present; a directory of *.yaml files may add or override sets.
type Catalog struct {
	// OnReload runs after Watch applies a changed directory.
	OnReload func()

	dir    string
	logger *zap.Logger

	mu         sync.RWMutex
	sets       map[string][]domain.Question
	generation uint64
}

// LoadCatalog loads the built-in set plus every *.yaml file in dir. An empty
// dir loads only the built-in set.
func LoadCatalog(dir string, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Catalog{dir: dir, logger: logger}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Questions returns the set for entityID, falling back to the default set.
func (c *Catalog) Questions(entityID string) []domain.Question {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if qs, ok := c.sets[entityID]; ok {
		return append([]domain.Question(nil), qs...)
	}
	return append([]domain.Question(nil), c.sets[DefaultEntity]...)
}

// Entities lists the loaded entity ids.
func (c *Catalog) Entities() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.sets))
	for k := range c.sets {
		out = append(out, k)
	}
	return out
}

// Generation increments on every successful reload.
func (c *Catalog) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// Reload re-reads all sets. On error the previous sets stay in place.
func (c *Catalog) Reload() error {
	data, err := builtin.ReadFile("questions/default.yaml")
	if err != nil {
		return fmt.Errorf("read built-in questions: %w", err)
	}
	def, err := parseSet(data, DefaultEntity)
	if err != nil {
		return fmt.Errorf("built-in questions: %w", err)
	}
	sets := map[string][]domain.Question{DefaultEntity: def.Questions}

	if c.dir != "" {
		paths, err := filepath.Glob(filepath.Join(c.dir, "*.yaml"))
		if err != nil {
			return fmt.Errorf("list question sets: %w", err)
		}
		var errs error
		for _, p := range paths {
			raw, err := os.ReadFile(p)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			stem := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
			set, err := parseSet(raw, stem)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", filepath.Base(p), err))
				continue
			}
			sets[set.EntityID] = set.Questions
		}
		if errs != nil {
			return domain.WrapEngineError(domain.ErrConfigInvalid.Code, "load question sets", errs)
		}
	}

	c.mu.Lock()
	c.sets = sets
	c.generation++
	c.mu.Unlock()
	c.logger.Info("question catalog loaded", zap.Int("sets", len(sets)), zap.String("dir", c.dir))
	return nil
}

// Watch reloads the catalog whenever a *.yaml file in its directory
// changes. It blocks until ctx is done.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.dir == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(c.dir); err != nil {
		return fmt.Errorf("watch %s: %w", c.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(ev.Name) != ".yaml" {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := c.Reload(); err != nil {
				c.logger.Warn("reload question catalog", zap.String("path", ev.Name), zap.Error(err))
				continue
			}
			if c.OnReload != nil {
				c.OnReload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.logger.Error("question catalog watcher", zap.Error(err))
		}
	}
}

func parseSet(data []byte, fallbackID string) (QuestionSet, error) {
	var set QuestionSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return QuestionSet{}, fmt.Errorf("parse yaml: %w", err)
	}
	if set.EntityID == "" {
		set.EntityID = fallbackID
	}
	for i := range set.Questions {
		q := &set.Questions[i]
		if q.Type == domain.QuestionScale && q.ScaleMin == 0 && q.ScaleMax == 0 {
			q.ScaleMin, q.ScaleMax = 1, 5
		}
	}
	return set, ValidateQuestions(set.Questions)
}

// ValidateQuestions checks a question set is usable: at least MinQuestions
// entries, unique keys, known types, options for choice questions and a
// sane scale range.
func ValidateQuestions(qs []domain.Question) error {
	if len(qs) < MinQuestions {
		return domain.NewEngineError(domain.ErrInsufficientQuestions.Code,
			fmt.Sprintf("got %d questions, need at least %d", len(qs), MinQuestions))
	}
	var errs error
	seen := make(map[string]bool, len(qs))
	for i, q := range qs {
		if q.Key == "" {
			errs = multierr.Append(errs, fmt.Errorf("question %d: key is required", i))
			continue
		}
		if seen[q.Key] {
			errs = multierr.Append(errs, fmt.Errorf("question %q: duplicate key", q.Key))
		}
		seen[q.Key] = true
		switch q.Type {
		case domain.QuestionChoice:
			if len(q.Options) < 2 {
				errs = multierr.Append(errs, fmt.Errorf("question %q: choice needs at least 2 options", q.Key))
			}
		case domain.QuestionScale:
			if q.ScaleMax <= q.ScaleMin {
				errs = multierr.Append(errs, fmt.Errorf("question %q: scale_max must exceed scale_min", q.Key))
			}
		case domain.QuestionYesNo, domain.QuestionShortText:
		default:
			errs = multierr.Append(errs, fmt.Errorf("question %q: unknown type %q", q.Key, q.Type))
		}
	}
	return errs
}

// DefinitionSource serves question sets stored by the backend.
type DefinitionSource interface {
	GetDepthDefinitions(ctx context.Context, optionID string) ([]domain.Question, error)
}

// QuestionsFor picks the question set for an option. Definitions stored
// for the option win; otherwise the catalog set for its entity is used.
func (c *Catalog) QuestionsFor(ctx context.Context, src DefinitionSource, opt domain.Option) []domain.Question {
	if src != nil {
		qs, err := src.GetDepthDefinitions(ctx, opt.ID)
		switch {
		case err != nil:
			c.logger.Warn("load depth definitions", zap.String("option_id", opt.ID), zap.Error(err))
		case len(qs) > 0:
			return qs
		}
	}
	return c.Questions(opt.EntityID)
}
