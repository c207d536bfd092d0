package depth

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opina-lab/signal-engine/internal/domain"
)

const colaSet = `entity_id: coca
questions:
  - {key: q1, type: choice, prompt: uno, options: [a, b]}
  - {key: q2, type: scale, prompt: dos}
  - {key: q3, type: yes_no, prompt: tres}
  - {key: q4, type: short_text, prompt: cuatro}
  - {key: q5, type: scale, prompt: cinco, scale_min: 0, scale_max: 10}
  - {key: q6, type: choice, prompt: seis, options: [x, y, z]}
`

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestCatalog_BuiltinDefault(t *testing.T) {
	cat, err := LoadCatalog("", nil)
	require.NoError(t, err)

	qs := cat.Questions(DefaultEntity)
	require.Len(t, qs, 9)
	assert.Equal(t, "frecuencia", qs[0].Key)
	assert.Equal(t, 10, qs[4].ScaleMax)
	assert.Equal(t, []string{DefaultEntity}, cat.Entities())
}

func TestCatalog_DirectoryOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "coca.yaml", colaSet)
	writeFile(t, dir, "notes.txt", "ignored")

	cat, err := LoadCatalog(dir, nil)
	require.NoError(t, err)

	qs := cat.Questions("coca")
	require.Len(t, qs, 6)
	assert.Equal(t, 1, qs[1].ScaleMin, "scale range defaults to 1..5")
	assert.Equal(t, 5, qs[1].ScaleMax)
	assert.Len(t, cat.Questions("pepsi"), 9)
}

func TestCatalog_InvalidSetKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "coca.yaml", colaSet)
	cat, err := LoadCatalog(dir, nil)
	require.NoError(t, err)
	gen := cat.Generation()

	writeFile(t, dir, "broken.yaml", "entity_id: broken\nquestions:\n  - {key: only, type: choice}\n")
	err = cat.Reload()
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
	assert.Equal(t, gen, cat.Generation())
	assert.Len(t, cat.Questions("coca"), 6)

	_, err = LoadCatalog(dir, nil)
	assert.Error(t, err)
}

func TestValidateQuestions(t *testing.T) {
	valid := mixedQuestions()
	require.NoError(t, ValidateQuestions(valid))

	assert.ErrorIs(t, ValidateQuestions(valid[:5]), domain.ErrInsufficientQuestions)

	dup := mixedQuestions()
	dup[1].Key = dup[0].Key
	assert.ErrorContains(t, ValidateQuestions(dup), "duplicate key")

	bad := mixedQuestions()
	bad[0].Options = []string{"solo"}
	bad[1].ScaleMin, bad[1].ScaleMax = 5, 5
	bad[2].Type = "slider"
	err := ValidateQuestions(bad)
	require.Error(t, err)
	assert.ErrorContains(t, err, "at least 2 options")
	assert.ErrorContains(t, err, "scale_max")
	assert.ErrorContains(t, err, "unknown type")
}

func TestCatalog_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	cat, err := LoadCatalog(dir, nil)
	require.NoError(t, err)
	gen := cat.Generation()
	var reloads atomic.Int32
	cat.OnReload = func() { reloads.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cat.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(dir, "coca.yaml"), []byte(colaSet), 0o644)
		return cat.Generation() > gen && len(cat.Questions("coca")) == 6 && reloads.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)
}

type defsSource map[string][]domain.Question

func (d defsSource) GetDepthDefinitions(_ context.Context, optionID string) ([]domain.Question, error) {
	return d[optionID], nil
}

func TestCatalog_QuestionsFor(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "coca.yaml", colaSet)
	cat, err := LoadCatalog(dir, nil)
	require.NoError(t, err)
	ctx := context.Background()

	stored := defsSource{"opt-x": mixedQuestions()}
	assert.Equal(t, "comentario", cat.QuestionsFor(ctx, stored, domain.Option{ID: "opt-x", EntityID: "coca"})[5].Key)
	assert.Equal(t, "q1", cat.QuestionsFor(ctx, stored, domain.Option{ID: "opt-y", EntityID: "coca"})[0].Key)
	assert.Equal(t, "frecuencia", cat.QuestionsFor(ctx, nil, domain.Option{ID: "opt-z"})[0].Key)
}
