package store

import "fmt"

// checkCond evaluates cond against the current item image (nil = absent).
// All clauses must hold. A nil cond always passes.
func checkCond(op string, item Item, cond *Cond) error {
	if cond == nil {
		return nil
	}
	if cond.NotExists && item != nil {
		return condFailed(op, fmt.Errorf("item exists"))
	}
	if cond.Exists && item == nil {
		return condFailed(op, fmt.Errorf("item does not exist"))
	}
	if len(cond.Eq)+len(cond.GTE)+len(cond.GT) > 0 && item == nil {
		return condFailed(op, fmt.Errorf("item does not exist"))
	}
	for field, want := range cond.Eq {
		if !eqValue(item[field], want) {
			return condFailed(op, fmt.Errorf("%s != %v", field, want))
		}
	}
	for field, bound := range cond.GTE {
		if Int(item, field) < bound {
			return condFailed(op, fmt.Errorf("%s < %d", field, bound))
		}
	}
	for field, bound := range cond.GT {
		if Int(item, field) <= bound {
			return condFailed(op, fmt.Errorf("%s <= %d", field, bound))
		}
	}
	return nil
}

// eqValue compares an item attribute to an expected value, normalizing
// the numeric shapes the backends produce.
func eqValue(got, want any) bool {
	switch w := want.(type) {
	case int64:
		return Int(Item{"v": got}, "v") == w
	case int:
		return Int(Item{"v": got}, "v") == int64(w)
	default:
		return got == want
	}
}

// applyUpdate mutates item in place per upd.
func applyUpdate(item Item, upd Update) {
	for field, v := range upd.Set {
		item[field] = v
	}
	for field, delta := range upd.Add {
		item[field] = Int(item, field) + delta
	}
	if a := upd.Append; a != nil {
		list := append([]any{a.Value}, List(item, a.Field)...)
		if a.Max > 0 && len(list) > a.Max {
			list = list[:a.Max]
		}
		item[a.Field] = list
	}
}
