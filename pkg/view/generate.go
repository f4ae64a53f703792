package view

import (
	"errors"

	"mview/pkg/catalog"
	"mview/pkg/mutation"
)

var ErrNullKeyComponent = errors.New("mview: null derived key component")

// NeedsPriorState reports whether generating view updates for delta
// requires the pre-write row. The prior row is needed whenever the
// previous derived key or previous visibility cannot be inferred from
// the delta alone. A view key or filter column that is not part of the
// base key makes every update depend on the stored row, whether or not
// the delta writes that column: the previous value lives only there.
func NeedsPriorState(def *catalog.ViewEntry, delta *mutation.BaseRowDelta) bool {
	if delta.Deleted {
		return true
	}
	for _, col := range def.KeyCols {
		if !def.Base.IsKeyCol(col) {
			return true
		}
	}
	for _, col := range def.Filter.Columns() {
		if !def.Base.IsKeyCol(col) {
			return true
		}
	}
	return false
}

// Generate computes the view mutations caused by one base-table write.
// It is a pure function of (definition, delta, prior row); the live write
// path and the builder both call it, so build and maintenance cannot
// drift apart. prior is nil when the base row did not exist before the
// write; the caller must have read it whenever NeedsPriorState says so.
func Generate(def *catalog.ViewEntry, delta *mutation.BaseRowDelta, prior mutation.RowState) ([]mutation.ViewMutation, error) {
	priorState := withBaseKeys(def, delta, prior)
	resulting := resultingState(def, delta, prior)

	wasVisible := priorState != nil && def.Filter.Eval(priorState)
	nowVisible := resulting != nil && def.Filter.Eval(resulting)

	if !wasVisible && !nowVisible {
		return nil, nil
	}

	var muts []mutation.ViewMutation
	if wasVisible {
		prevPart, prevClust, err := deriveKey(def, priorState)
		if err != nil {
			return nil, err
		}
		if !nowVisible {
			muts = append(muts, mutation.ViewMutation{
				Table:      def.Name,
				Partition:  prevPart,
				Clustering: prevClust,
				Ts:         delta.Ts,
				Delete:     true,
			})
			return muts, nil
		}
		newPart, newClust, err := deriveKey(def, resulting)
		if err != nil {
			return nil, err
		}
		if sameKey(prevPart, newPart) && sameKey(prevClust, newClust) {
			// Same derived row; only the written columns change.
			cells := make(map[string]mutation.Value)
			for col, cd := range delta.Updated {
				if def.IsViewKeyCol(col) || !isProjected(def, col) {
					continue
				}
				cells[col] = cd.New
			}
			if len(cells) == 0 {
				return nil, nil
			}
			muts = append(muts, mutation.ViewMutation{
				Table:      def.Name,
				Partition:  newPart,
				Clustering: newClust,
				Cells:      cells,
				Ts:         delta.Ts,
			})
			return muts, nil
		}
		// Re-keyed: the previous derived row dies, a fresh one is born.
		muts = append(muts, mutation.ViewMutation{
			Table:      def.Name,
			Partition:  prevPart,
			Clustering: prevClust,
			Ts:         delta.Ts,
			Delete:     true,
		})
		muts = append(muts, insertMutation(def, resulting, newPart, newClust, delta.Ts))
		return muts, nil
	}

	// Newly visible row. With no prior state the row may still exist
	// under the same derived key, so a projected column the delta clears
	// is written through as an explicit null instead of being skipped.
	newPart, newClust, err := deriveKey(def, resulting)
	if err != nil {
		return nil, err
	}
	m := insertMutation(def, resulting, newPart, newClust, delta.Ts)
	if prior == nil {
		for col, cd := range delta.Updated {
			if cd.New.IsSet() || def.IsViewKeyCol(col) || !isProjected(def, col) {
				continue
			}
			m.Cells[col] = cd.New
		}
	}
	muts = append(muts, m)
	return muts, nil
}

func insertMutation(def *catalog.ViewEntry, state mutation.RowState, part, clust []mutation.Value, ts uint64) mutation.ViewMutation {
	cells := make(map[string]mutation.Value)
	for _, col := range def.NonKeyProjection() {
		if v := state.Get(col); v.IsSet() {
			cells[col] = v
		}
	}
	return mutation.ViewMutation{
		Table:      def.Name,
		Partition:  part,
		Clustering: clust,
		Cells:      cells,
		Ts:         ts,
	}
}

// withBaseKeys overlays the delta's base key values onto the prior cells,
// keyed by the base key column names. nil prior stays nil: the row did not
// exist.
func withBaseKeys(def *catalog.ViewEntry, delta *mutation.BaseRowDelta, prior mutation.RowState) mutation.RowState {
	if prior == nil {
		return nil
	}
	state := prior.Clone()
	applyBaseKeys(def.Base, delta, state)
	return state
}

func resultingState(def *catalog.ViewEntry, delta *mutation.BaseRowDelta, prior mutation.RowState) mutation.RowState {
	if delta.Deleted {
		return nil
	}
	var state mutation.RowState
	if prior != nil {
		state = prior.Clone()
	} else {
		state = make(mutation.RowState)
	}
	applyBaseKeys(def.Base, delta, state)
	for col, cd := range delta.Updated {
		state[col] = cd.New
	}
	return state
}

func applyBaseKeys(base *catalog.Schema, delta *mutation.BaseRowDelta, state mutation.RowState) {
	for i, col := range base.PartitionCols() {
		if i < len(delta.Partition) {
			state[col] = delta.Partition[i]
		}
	}
	for i, col := range base.ClusteringCols() {
		if i < len(delta.Clustering) {
			state[col] = delta.Clustering[i]
		}
	}
}

// deriveKey computes the view's primary key from a row state that already
// passed the filter. Empty strings are legal components; a null here means
// the filter and the key disagree, which is a definition bug, not a row to
// write.
func deriveKey(def *catalog.ViewEntry, state mutation.RowState) (part, clust []mutation.Value, err error) {
	for _, col := range def.PartitionKeyCols() {
		v := state.Get(col)
		if !v.IsSet() {
			return nil, nil, ErrNullKeyComponent
		}
		part = append(part, v)
	}
	for _, col := range def.ClusteringKeyCols() {
		v := state.Get(col)
		if !v.IsSet() {
			return nil, nil, ErrNullKeyComponent
		}
		clust = append(clust, v)
	}
	return
}

func sameKey(a, b []mutation.Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equals(b[i]) {
			return false
		}
	}
	return true
}

func isProjected(def *catalog.ViewEntry, col string) bool {
	for _, p := range def.Projection {
		if p == col {
			return true
		}
	}
	return false
}
