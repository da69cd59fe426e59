package qdisc

// RoutingNode is one step of a handle-addressed RoutingPath: the
// classful qdisc being passed through, the target handle being routed
// to, and this node's offset among its parent's children.
type RoutingNode struct {
	Qdisc       ClassfulQdisc
	Handle      Handle
	ChildOffset int
}

// RoutingPath describes the path from a tree's root to a leaf for a
// target handle. It is constructed once per handle-addressed
// enqueue and is exclusively owned by the call that built it.
type RoutingPath []RoutingNode

// Leaf returns the classful qdisc that directly owns the destination
// (the last hop's Qdisc), or nil if the path is empty. The destination
// itself is addressed by that last hop's Handle: route it with
// path.Leaf().Enqueue(w, path[len(path)-1].Handle), which is exactly
// what worker.Factory.ScheduleTo does.
func (p RoutingPath) Leaf() Qdisc {
	if len(p) == 0 {
		return nil
	}
	return p[len(p)-1].Qdisc
}
