package quadrant

// Drag tracks one gesture. Only the release sample decides the outcome;
// samples seen during the drag feed the preview and nothing else.
type Drag struct {
	c       *Classifier
	last    Displacement
	samples int
	done    bool
}

func (c *Classifier) Begin() *Drag {
	return &Drag{c: c}
}

// Update records an intermediate sample. Samples after release are ignored.
func (g *Drag) Update(d Displacement) Preview {
	if g.done {
		return g.c.Preview(g.last)
	}
	g.last = d
	g.samples++
	return g.c.Preview(d)
}

// Release ends the drag with a final sample. A second release, or a release
// after Cancel, never commits.
func (g *Drag) Release(d Displacement) Decision {
	if g.done {
		return Decision{Distance: d.Distance()}
	}
	g.done = true
	g.last = d
	g.samples++
	return g.c.Decide(d)
}

// Cancel abandons the drag client-side. The card snaps back to the origin.
func (g *Drag) Cancel() {
	g.done = true
	g.last = Displacement{}
}

func (g *Drag) Last() Displacement { return g.last }

func (g *Drag) Samples() int { return g.samples }

func (g *Drag) Done() bool { return g.done }
