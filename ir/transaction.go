package ir

import "github.com/gomlx/exceptions"

// Transaction journals the edits made to a graph so that a partially applied rewrite can be
// undone. Only one transaction can be open per graph at a time.
//
// Journaled edits are node creation, SetInput (and therefore ReplaceAllUses) and SetAttr.
// Changes to the descriptors of an Iteration are not journaled.
type Transaction struct {
	g       *Graph
	created []NodeID
	edits   []edit
}

// edit is one journaled change: an input binding (input >= 0) or an attribute (input == -1).
type edit struct {
	node      NodeID
	input     int
	value     Value
	attr      string
	attrValue any
	hadAttr   bool
}

// Begin opens a transaction on g.
func (g *Graph) Begin() *Transaction {
	if g.tx != nil {
		exceptions.Panicf("graph %q already has an open transaction", g.name)
	}
	g.tx = &Transaction{g: g}
	return g.tx
}

// InTransaction returns whether a transaction is open on g.
func (g *Graph) InTransaction() bool { return g.tx != nil }

// Commit closes the transaction keeping all edits.
func (tx *Transaction) Commit() {
	tx.close()
}

// Rollback undoes every edit made since Begin, in reverse order, and removes the created nodes.
// The ids of the removed nodes are not reused.
func (tx *Transaction) Rollback() {
	g := tx.g
	for ii := len(tx.edits) - 1; ii >= 0; ii-- {
		e := tx.edits[ii]
		n := g.nodes[e.node]
		if e.input >= 0 {
			g.setInput(n, e.input, e.value)
		} else if e.hadAttr {
			n.attrs[e.attr] = e.attrValue
		} else {
			delete(n.attrs, e.attr)
		}
	}
	for ii := len(tx.created) - 1; ii >= 0; ii-- {
		g.removeNode(tx.created[ii])
	}
	tx.close()
}

func (tx *Transaction) close() {
	if tx.g.tx != tx {
		exceptions.Panicf("graph %q: transaction already closed", tx.g.name)
	}
	tx.g.tx = nil
	tx.created, tx.edits = nil, nil
}

// Atomically runs fn within a transaction on g: if fn returns false or panics, all its edits
// are rolled back (and the panic propagated). If a transaction is already open, fn simply
// joins it.
func (g *Graph) Atomically(fn func() bool) (applied bool) {
	if g.tx != nil {
		return fn()
	}
	tx := g.Begin()
	defer func() {
		if !applied {
			tx.Rollback()
		}
	}()
	applied = fn()
	if applied {
		tx.Commit()
	}
	return
}
