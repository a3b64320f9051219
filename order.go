// Package sisproone holds the domain types shared by the production counter
// gateway: stations, manufacturing orders, and the durable increments the
// engine replicates to the MES.
package sisproone

// Station is a physical work post with an MES-assigned identifier.
type Station struct {
	ID          int
	Name        string
	Description string
}

// Order is a manufacturing order as returned by the MES. The engine never
// mutates these fields directly; progress is recomputed server-side.
type Order struct {
	ID              int
	Code            string
	ProductCode     string
	ProductUPC      string
	QuantityTarget  int
	QuantityPending int
	Closed          bool
	Priority        string
}

// Selectable reports whether an operator may start producing against the
// order: it must be open and still have pieces pending.
func (o Order) Selectable() bool {
	return !o.Closed && o.QuantityPending > 0
}

// OrderProgress is the MES's read-only view of an order's advance.
type OrderProgress struct {
	QuantityPending int
	ProgressRatio   float64
}

// RecipeComponent is one material line of an order's recipe.
type RecipeComponent struct {
	Code        string
	Description string
	Quantity    float64
}

// Recipe is the advisory recipe document for an order. It is displayed to
// the operator and never gates counting.
type Recipe struct {
	OrderDocNum int
	Status      string
	Components  []RecipeComponent
}
