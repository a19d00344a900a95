package domain

import "slices"

type ConstraintType string

const (
	ConstraintAny       ConstraintType = "any"
	ConstraintSpecific  ConstraintType = "specific"
	ConstraintCategory  ConstraintType = "category"
	ConstraintAllowList ConstraintType = "allow_list"
	ConstraintDenyList  ConstraintType = "deny_list"
	ConstraintAnd       ConstraintType = "and"
	ConstraintOr        ConstraintType = "or"
	ConstraintNot       ConstraintType = "not"
)

// maxConstraintDepth ограничивает вложенность And/Or/Not.
const maxConstraintDepth = 16

// CounterpartyConstraint — размеченное объединение предикатов над получателем. Состояния нет.
type CounterpartyConstraint struct {
	Type       ConstraintType           `json:"type"`
	Identity   string                   `json:"identity,omitempty"`
	Category   string                   `json:"category,omitempty"`
	Identities []string                 `json:"identities,omitempty"`
	Children   []CounterpartyConstraint `json:"children,omitempty"`
}

func AnyCounterparty() CounterpartyConstraint {
	return CounterpartyConstraint{Type: ConstraintAny}
}

func SpecificCounterparty(id string) CounterpartyConstraint {
	return CounterpartyConstraint{Type: ConstraintSpecific, Identity: id}
}

func CategoryCounterparty(category string) CounterpartyConstraint {
	return CounterpartyConstraint{Type: ConstraintCategory, Category: category}
}

func AllowList(ids ...string) CounterpartyConstraint {
	return CounterpartyConstraint{Type: ConstraintAllowList, Identities: ids}
}

func DenyList(ids ...string) CounterpartyConstraint {
	return CounterpartyConstraint{Type: ConstraintDenyList, Identities: ids}
}

func AllOf(cs ...CounterpartyConstraint) CounterpartyConstraint {
	return CounterpartyConstraint{Type: ConstraintAnd, Children: cs}
}

func AnyOf(cs ...CounterpartyConstraint) CounterpartyConstraint {
	return CounterpartyConstraint{Type: ConstraintOr, Children: cs}
}

func Not(c CounterpartyConstraint) CounterpartyConstraint {
	return CounterpartyConstraint{Type: ConstraintNot, Children: []CounterpartyConstraint{c}}
}

// Allows: чистый предикат. Некорректная форма (пустой And, Not без ребенка, неизвестный тип)
// трактуется как запрет.
func (c CounterpartyConstraint) Allows(cp Counterparty) bool {
	return c.allows(cp, 0)
}

func (c CounterpartyConstraint) allows(cp Counterparty, depth int) bool {
	if depth > maxConstraintDepth || cp.ID == "" {
		return false
	}
	switch c.Type {
	case ConstraintAny:
		return true
	case ConstraintSpecific:
		return c.Identity != "" && c.Identity == cp.ID
	case ConstraintCategory:
		return c.Category != "" && slices.Contains(cp.Categories, c.Category)
	case ConstraintAllowList:
		return slices.Contains(c.Identities, cp.ID)
	case ConstraintDenyList:
		return !slices.Contains(c.Identities, cp.ID)
	case ConstraintAnd:
		if len(c.Children) == 0 {
			return false
		}
		for _, ch := range c.Children {
			if !ch.allows(cp, depth+1) {
				return false
			}
		}
		return true
	case ConstraintOr:
		for _, ch := range c.Children {
			if ch.allows(cp, depth+1) {
				return true
			}
		}
		return false
	case ConstraintNot:
		if len(c.Children) != 1 {
			return false
		}
		// Not над некорректным поддеревом тоже запрет, иначе ошибка формы превратится в разрешение
		if !c.Children[0].wellFormed(depth + 1) {
			return false
		}
		return !c.Children[0].allows(cp, depth+1)
	default:
		return false
	}
}

func (c CounterpartyConstraint) wellFormed(depth int) bool {
	if depth > maxConstraintDepth {
		return false
	}
	switch c.Type {
	case ConstraintAny, ConstraintAllowList, ConstraintDenyList:
		return true
	case ConstraintSpecific:
		return c.Identity != ""
	case ConstraintCategory:
		return c.Category != ""
	case ConstraintAnd, ConstraintOr:
		if len(c.Children) == 0 {
			return false
		}
		for _, ch := range c.Children {
			if !ch.wellFormed(depth + 1) {
				return false
			}
		}
		return true
	case ConstraintNot:
		return len(c.Children) == 1 && c.Children[0].wellFormed(depth+1)
	default:
		return false
	}
}

// WellFormed проверяет форму дерева при регистрации разрешения.
func (c CounterpartyConstraint) WellFormed() bool { return c.wellFormed(0) }
