package battle

import "github.com/opina-lab/signal-engine/internal/domain"

// StaticCatalog serves a fixed set of battles by id or slug.
type StaticCatalog struct {
	byKey map[string]domain.BattleContext
	list  []domain.Battle
}

// NewStaticCatalog indexes battles by id and slug. Each gets instance id
// "<id>-i1".
func NewStaticCatalog(battles []domain.Battle) *StaticCatalog {
	c := &StaticCatalog{byKey: make(map[string]domain.BattleContext), list: battles}
	for _, b := range battles {
		bc := domain.BattleContext{
			BattleID:         b.ID,
			BattleInstanceID: b.ID + "-i1",
			Slug:             b.Slug,
			Title:            b.Title,
			Options:          b.Options,
		}
		c.byKey[b.ID] = bc
		if b.Slug != "" {
			c.byKey[b.Slug] = bc
		}
	}
	return c
}

// Lookup implements Catalog.
func (c *StaticCatalog) Lookup(identifier string) (domain.BattleContext, bool) {
	bc, ok := c.byKey[identifier]
	return bc, ok
}

// Battles returns the catalog in declaration order.
func (c *StaticCatalog) Battles() []domain.Battle {
	return c.list
}

// DemoBattles is the built-in demo content.
func DemoBattles() []domain.Battle {
	mk := func(id, slug, title, category string, a, b [2]string) domain.Battle {
		return domain.Battle{
			ID: id, Slug: slug, Title: title, Category: category, Status: domain.BattleActive,
			Options: []domain.Option{
				{ID: id + "-a", BattleID: id, Label: a[0], EntityID: a[1], Category: category, SortOrder: 1},
				{ID: id + "-b", BattleID: id, Label: b[0], EntityID: b[1], Category: category, SortOrder: 2},
			},
		}
	}
	return []domain.Battle{
		mk("demo-cafe", "cafe-de-especialidad", "¿Qué café prefieres?", "cafeterias",
			[2]string{"Café Don Pancho", "don-pancho"}, [2]string{"La Picá del Barrio", "pica-barrio"}),
		mk("demo-sushi", "sushi-vs-tacos", "¿Sushi o tacos para el viernes?", "comida",
			[2]string{"Sushi Ninja", "sushi-ninja"}, [2]string{"Tacos No Tan Tacos", "tacos-ntt"}),
		mk("demo-farmacia", "farmacia-de-turno", "¿Dónde compras tus remedios?", "salud",
			[2]string{"Farmacia Central", "farmacia-central"}, [2]string{"Minimarket Salvavidas", "salvavidas"}),
		mk("demo-pizza", "pizza-nocturna", "¿Pizza a las 3 AM?", "comida",
			[2]string{"Pizzería 24/7", "pizzeria-247"}, [2]string{"Hamburguesas Serias", "hamburguesas-serias"}),
	}
}
