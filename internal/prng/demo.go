package prng

import (
	"context"
	"math"
	"sort"
	"strconv"

	"github.com/opina-lab/signal-engine/internal/kvstore"
)

// DemoSeedKey is the shared key for section KPIs.
const DemoSeedKey = "v1"

// DemoKPI is one headline number for a demo section.
type DemoKPI struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

type preset struct {
	nowMin, nowMax int
	dayMin, dayMax int
	points         string
	dayLabel       string
}

var presets = map[string]preset{
	"versus":       {120, 420, 8_000, 65_000, "+15", "Señales 24h"},
	"directo":      {60, 220, 2_000, 18_000, "+25", "Respuestas 24h"},
	"recomendados": {40, 160, 900, 9_000, "+10", "Evaluaciones 24h"},
	"vitrina":      {25, 120, 600, 7_500, "+20", "Escaneos 24h"},
}

// Sections lists the demo sections with KPI presets.
func Sections() []string {
	out := make([]string, 0, len(presets))
	for k := range presets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DemoKPIs returns the stable headline numbers for a section. Unknown
// sections return nil.
func DemoKPIs(ctx context.Context, kv kvstore.Store, section string) ([]DemoKPI, error) {
	p, ok := presets[section]
	if !ok {
		return nil, nil
	}
	g, err := Open(ctx, kv, DemoSeedKey)
	if err != nil {
		return nil, err
	}
	s := g.Section(section)
	active := s.RangeInt(p.nowMin, p.nowMax)
	day := s.RangeInt(p.dayMin, p.dayMax)

	return []DemoKPI{
		{Label: "Activos ahora", Value: strconv.Itoa(active)},
		{Label: p.dayLabel, Value: FormatCompact(day)},
		{Label: "Puntos", Value: p.points},
	}, nil
}

// FormatCompact renders n with one decimal and a k or M suffix.
func FormatCompact(n int) string {
	round := func(x float64) string {
		return strconv.FormatFloat(math.Floor(x+0.5)/10, 'f', -1, 64)
	}
	switch {
	case n >= 1_000_000:
		return round(float64(n)/100_000) + "M"
	case n >= 1_000:
		return round(float64(n)/100) + "k"
	default:
		return strconv.Itoa(n)
	}
}

// RankedItem is a demo ranking entry.
type RankedItem struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Score float64 `json:"score"`
	Trend float64 `json:"trend"`
}

var rankingNames = []string{
	"Café Don Pancho",
	"La Picá del Barrio",
	"Farmacia Central",
	"Sushi Ninja",
	"Tacos No Tan Tacos",
	"Peluquería “Me Corté Solo”",
	"Lavandería Express",
	"Hamburguesas Serias",
	"Gym del Lunes",
	"Panadería La Crónica",
	"Pizzería 24/7",
	"Minimarket Salvavidas",
}

// DemoRanking returns count items with scores in [3.8, 5.0] and trends in
// [-10, 10], sorted by score descending. Stable per key.
func DemoRanking(ctx context.Context, kv kvstore.Store, key string, count int) ([]RankedItem, error) {
	g, err := Open(ctx, kv, key)
	if err != nil {
		return nil, err
	}
	items := make([]RankedItem, count)
	for i := range items {
		name := rankingNames[i%len(rankingNames)]
		if i >= len(rankingNames) {
			name += " #" + strconv.Itoa(i+1)
		}
		score := math.Floor((3.8+g.Float64()*1.2)*10+0.5) / 10
		trend := math.Floor((g.Float64()*2-1)*100+0.5) / 10
		items[i] = RankedItem{ID: key + "-" + strconv.Itoa(i), Name: name, Score: score, Trend: trend}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	return items, nil
}
