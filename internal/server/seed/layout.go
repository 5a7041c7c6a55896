package seed

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/systemshift/oaksearch/internal/server/content"
)

// Layout describes the shape of the seeded tree. Iteration i holds
// Fanout*i-1 items and every item holds Fanout*i-1 children.
type Layout struct {
	Root       string `mapstructure:"root"`
	Iterations int    `mapstructure:"iterations" validate:"gte=1"`
	Fanout     int    `mapstructure:"fanout" validate:"gte=1"`
}

// DefaultLayout is the full size fixture: 9 iterations with a fanout of 100
func DefaultLayout() Layout {
	return Layout{
		Root:       "/tests",
		Iterations: 9,
		Fanout:     100,
	}
}

func (l Layout) Validate() error {
	if err := content.ValidatePath(l.Root); err != nil {
		return errors.Wrap(err, "invalid seed root")
	}
	if l.Root == "/" {
		return errors.New("seed root cannot be the repository root")
	}
	if l.Iterations < 1 || l.Fanout < 1 {
		return errors.Errorf("iterations and fanout must be positive, got %d and %d", l.Iterations, l.Fanout)
	}
	return nil
}

// Count is the number of items in an iteration, and of children per item
func (l Layout) Count(iteration int) int {
	return l.Fanout*iteration - 1
}

// TotalNodes is the number of nodes in a fully seeded tree, root included
func (l Layout) TotalNodes() int {
	total := 1
	for i := 1; i <= l.Iterations; i++ {
		c := l.Count(i)
		total += 1 + c + c*c
	}
	return total
}

func (l Layout) IterationPath(iteration int) string {
	return fmt.Sprintf("%s/it-%d", l.Root, iteration)
}

func (l Layout) ItemPath(iteration, item int) string {
	return fmt.Sprintf("%s/item-%d", l.IterationPath(iteration), item)
}

func (l Layout) ChildPath(iteration, item, child int) string {
	return fmt.Sprintf("%s/child-%d", l.ItemPath(iteration, item), child)
}
