package cohort

// Broadcast copies the master's buf into every other rank's buf. Every rank
// must pass a buffer of the same length.
func Broadcast[T Scalar](g *Group, buf []T) error {
	wt := WireTypeOf[T]()
	raw := encodeScalars(buf)
	err := g.call("broadcast", len(raw), func() Code {
		return g.sub.Bcast(g.dom.handle, raw, len(buf), wt, g.master)
	})
	if err != nil {
		return err
	}
	if !g.IsMaster() {
		decodeScalars(raw, buf)
	}
	return nil
}

// BroadcastValue is `Broadcast` of a single element.
func BroadcastValue[T Scalar](g *Group, v *T) error {
	buf := []T{*v}
	if err := Broadcast(g, buf); err != nil {
		return err
	}
	*v = buf[0]
	return nil
}

// Gather collects len(send) elements from every rank into root's recv,
// ordered by rank. recv must hold Size()*len(send) elements at root and is
// ignored elsewhere.
func Gather[T Scalar](g *Group, send, recv []T, root int) error {
	wt := WireTypeOf[T]()
	raw := encodeScalars(send)

	var rawRecv []byte
	isRoot := g.rank == root
	if isRoot {
		rawRecv = make([]byte, len(recv)*wt.Size())
	}

	err := g.call("gather", len(raw), func() Code {
		return g.sub.Gather(g.dom.handle, raw, rawRecv, len(send), wt, root)
	})
	if err != nil {
		return err
	}
	if isRoot {
		decodeScalars(rawRecv, recv)
	}
	return nil
}

// Scatter splits root's send into Size() blocks of len(recv) elements and
// delivers block i to rank i.
func Scatter[T Scalar](g *Group, send, recv []T, root int) error {
	wt := WireTypeOf[T]()

	var rawSend []byte
	if g.rank == root {
		rawSend = encodeScalars(send)
	}
	rawRecv := make([]byte, len(recv)*wt.Size())

	err := g.call("scatter", len(rawRecv), func() Code {
		return g.sub.Scatter(g.dom.handle, rawSend, rawRecv, len(recv), wt, root)
	})
	if err != nil {
		return err
	}
	decodeScalars(rawRecv, recv)
	return nil
}

// Send transfers buf to dest. The message is tagged with the sender's rank,
// so that `Recv` only matches messages from the source it expects.
func Send[T Scalar](g *Group, dest int, buf []T) error {
	wt := WireTypeOf[T]()
	raw := encodeScalars(buf)
	return g.call("send", len(raw), func() Code {
		return g.sub.Send(g.dom.handle, raw, len(buf), wt, dest, g.rank)
	})
}

// Recv fills buf with a message from source.
//
// Two transfers in flight between the same pair of ranks are not told
// apart: they are matched in the order the substrate delivers them.
func Recv[T Scalar](g *Group, source int, buf []T) error {
	wt := WireTypeOf[T]()
	raw := make([]byte, len(buf)*wt.Size())
	err := g.call("recv", len(raw), func() Code {
		return g.sub.Recv(g.dom.handle, raw, len(buf), wt, source, source)
	})
	if err != nil {
		return err
	}
	decodeScalars(raw, buf)
	return nil
}
