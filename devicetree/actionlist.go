// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package devicetree

import (
	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/blockplan/device"
)

// ActionList is the ordered queue of not-yet-committed actions.
// Adding an action validates it against current (pending-inclusive)
// tree state, prunes actions the new one obsoletes, applies the
// prospective graph mutation immediately, and keeps the queue a
// valid linearization of the action dependency partial order.
// Physical work is deferred entirely to Process.
type ActionList struct {
	tree      *Tree
	clock     clock.Clock
	nextSeq   int
	pending   []*Action
	committed []*Action
}

func newActionList(t *Tree, clk clock.Clock) *ActionList {
	return &ActionList{tree: t, clock: clk, nextSeq: 1}
}

// Add schedules a. The returned action is the one actually stored:
// nil (with a nil error) means a and one or more earlier actions
// cancelled out entirely, leaving nothing to commit. Pruning is
// conservative: an action whose target has been committed to disk is
// never dropped.
func (l *ActionList) Add(a *Action) (*Action, error) {
	l.tree.mu.Lock()
	defer l.tree.mu.Unlock()
	return l.addLocked(a)
}

// Remove cancels a pending action, reversing its prospective graph
// mutation. Actions already committed, or never added, yield an
// ActionNotFoundError.
func (l *ActionList) Remove(a *Action) error {
	l.tree.mu.Lock()
	defer l.tree.mu.Unlock()
	if l.indexOf(a) < 0 {
		return &actionNotFoundError{a.String()}
	}
	if a.kind == ActionCreateDevice {
		if children := l.tree.childrenOf(a.device); len(children) > 0 {
			return &hasDependentsError{a.device.Name(), deviceNames(children)}
		}
	}
	l.cancelLocked(a)
	return nil
}

// Find returns the pending actions matching all the given
// predicates, in current commit order.
func (l *ActionList) Find(preds ...func(*Action) bool) []*Action {
	l.tree.mu.Lock()
	defer l.tree.mu.Unlock()
	return l.findLocked(preds...)
}

// Pending returns the pending actions in commit order.
func (l *ActionList) Pending() []*Action {
	l.tree.mu.Lock()
	defer l.tree.mu.Unlock()
	out := make([]*Action, len(l.pending))
	copy(out, l.pending)
	return out
}

// Committed returns the actions committed by Process runs, oldest
// first.
func (l *ActionList) Committed() []*Action {
	l.tree.mu.Lock()
	defer l.tree.mu.Unlock()
	out := make([]*Action, len(l.committed))
	copy(out, l.committed)
	return out
}

// Sort re-establishes the topological order. It is idempotent, and
// actions with no dependency relation keep their insertion order.
func (l *ActionList) Sort() error {
	l.tree.mu.Lock()
	defer l.tree.mu.Unlock()
	return l.sortLocked()
}

// Process commits pending actions strictly in sorted order, invoking
// each target's backend. The first execution error halts the run:
// already-committed actions are not rolled back (the model reflects
// reality up to the failure point), the failing action stays at the
// head of the pending queue, and the error carries its description.
// A send on stop is honoured between actions, never mid-action.
// observe, if non-nil, is called immediately before each execution.
// The committed prefix of this run is returned in either case.
func (l *ActionList) Process(stop <-chan struct{}, observe func(*Action)) ([]*Action, error) {
	l.tree.mu.Lock()
	defer l.tree.mu.Unlock()
	if err := l.sortLocked(); err != nil {
		return nil, errors.Trace(err)
	}
	var committed []*Action
	for len(l.pending) > 0 {
		select {
		case <-stop:
			logger.Infof(
				"commit interrupted: %d committed, %d still pending",
				len(committed), len(l.pending),
			)
			return committed, nil
		default:
		}
		a := l.pending[0]
		if observe != nil {
			observe(a)
		}
		logger.Infof("committing %s", a)
		if err := l.execute(a); err != nil {
			logger.Errorf("commit halted: %s: %v", a, err)
			return committed, errors.Annotatef(err, "executing %s", a)
		}
		a.committed = l.clock.Now()
		l.pending = l.pending[1:]
		l.committed = append(l.committed, a)
		committed = append(committed, a)
	}
	return committed, nil
}

func (l *ActionList) addLocked(a *Action) (*Action, error) {
	if a == nil {
		return nil, errors.NotValidf("nil action")
	}
	if a.seq != 0 {
		return nil, errors.NotValidf("action %s: already scheduled", a)
	}
	d := a.device
	if a.kind != ActionCreateDevice {
		if _, err := l.tree.deviceByID(d.ID()); err != nil {
			return nil, errors.Trace(err)
		}
	}

	switch a.kind {
	case ActionCreateDevice:
		if err := l.tree.addDevice(d); err != nil {
			return nil, errors.Trace(err)
		}

	case ActionDestroyDevice:
		if children := l.tree.childrenOf(d); len(children) > 0 {
			return nil, &hasDependentsError{d.Name(), deviceNames(children)}
		}
		if !d.Exists() {
			// The device was never committed: the destroy cancels
			// the pending create together with every intermediate
			// action on the device. Net effect is a no-op.
			l.cancelAllOn(d)
			if _, ok := l.tree.devices[d.ID()]; ok {
				l.tree.removeDevice(d)
			}
			logger.Debugf("destroy of planned device %q pruned its pending actions", d.Name())
			return nil, nil
		}
		l.tree.removeDevice(d)

	case ActionResizeDevice:
		for _, prior := range l.findLocked(MatchDevice(d), MatchKind(ActionResizeDevice)) {
			l.cancelLocked(prior)
		}
		if a.newSize == d.Size() {
			return nil, nil
		}
		if f := d.Format(); !f.IsRaw() && a.newSize < f.MinSize() {
			return nil, errors.NotValidf(
				"resizing device %q below its format's minimum size", d.Name(),
			)
		}
		a.origSize = d.Size()
		d.SetSize(a.newSize)

	case ActionCreateFormat:
		for _, prior := range l.findLocked(MatchDevice(d), MatchKind(ActionCreateFormat)) {
			l.cancelLocked(prior)
		}
		if current := d.Format(); !current.IsRaw() && current.Exists() {
			return nil, errors.NotValidf(
				"device %q already formatted as %s", d.Name(), current.Type(),
			)
		}
		a.prevFormat = d.Format()
		d.SetFormat(a.format)

	case ActionDestroyFormat:
		current := d.Format()
		if current.IsRaw() {
			return nil, errors.NotValidf("destroying absent format on device %q", d.Name())
		}
		if !current.Exists() {
			// Never committed: cancel the pending create instead of
			// scheduling work against a format that is not on disk.
			for _, prior := range l.findLocked(MatchDevice(d), MatchKind(ActionCreateFormat)) {
				l.cancelLocked(prior)
			}
			if !d.Format().IsRaw() {
				d.SetFormat(device.NewRawFormat())
			}
			return nil, nil
		}
		a.format = current
		a.prevFormat = current
		d.SetFormat(device.NewRawFormat())

	case ActionResizeFormat:
		for _, prior := range l.findLocked(MatchDevice(d), MatchKind(ActionResizeFormat)) {
			l.cancelLocked(prior)
		}
		f := d.Format()
		if a.newSize == f.Size() {
			return nil, nil
		}
		a.format = f
		a.origSize = f.Size()
		f.SetSize(a.newSize)

	case ActionAddMember:
		if _, err := l.tree.deviceByID(a.member.ID()); err != nil {
			return nil, errors.Trace(err)
		}
		for _, prior := range l.findLocked(matchMembership(d, a.member, ActionRemoveMember)) {
			l.cancelLocked(prior)
			return nil, nil
		}
		if d.HasParent(a.member.ID()) {
			return nil, errors.AlreadyExistsf("member %q of %q", a.member.Name(), d.Name())
		}
		if a.member.ID() == d.ID() || l.tree.isAncestor(d.ID(), a.member) {
			return nil, &cyclicGraphError{d.Name()}
		}
		d.AddParent(a.member.ID())

	case ActionRemoveMember:
		for _, prior := range l.findLocked(matchMembership(d, a.member, ActionAddMember)) {
			l.cancelLocked(prior)
			return nil, nil
		}
		if !d.HasParent(a.member.ID()) {
			return nil, errors.NotFoundf("member %q of %q", a.member.Name(), d.Name())
		}
		if len(d.Parents()) == 1 {
			return nil, errors.NotValidf(
				"removing last member %q of %q", a.member.Name(), d.Name(),
			)
		}
		d.RemoveParent(a.member.ID())

	default:
		return nil, errors.NotValidf("action kind %q", a.kind)
	}

	a.seq = l.nextSeq
	l.nextSeq++
	l.pending = append(l.pending, a)
	if err := l.sortLocked(); err != nil {
		return nil, errors.Trace(err)
	}
	logger.Debugf("scheduled %s", a)
	return a, nil
}

// cancelAllOn cancels, newest first, every pending action that
// targets d directly or as a member.
func (l *ActionList) cancelAllOn(d *device.Device) {
	for i := len(l.pending) - 1; i >= 0; i-- {
		if MatchDevice(d)(l.pending[i]) {
			l.cancelLocked(l.pending[i])
		}
	}
}

// cancelLocked reverses a's prospective graph mutation and drops it
// from the pending queue.
func (l *ActionList) cancelLocked(a *Action) {
	switch a.kind {
	case ActionCreateDevice:
		l.tree.removeDevice(a.device)
	case ActionDestroyDevice:
		l.tree.devices[a.device.ID()] = a.device
	case ActionResizeDevice:
		a.device.SetSize(a.origSize)
	case ActionCreateFormat, ActionDestroyFormat:
		a.device.SetFormat(a.prevFormat)
	case ActionResizeFormat:
		a.format.SetSize(a.origSize)
	case ActionAddMember:
		a.device.RemoveParent(a.member.ID())
	case ActionRemoveMember:
		a.device.AddParent(a.member.ID())
	}
	if i := l.indexOf(a); i >= 0 {
		l.pending = append(l.pending[:i], l.pending[i+1:]...)
	}
	logger.Debugf("cancelled %s", a)
}

func (l *ActionList) indexOf(a *Action) int {
	for i, p := range l.pending {
		if p == a {
			return i
		}
	}
	return -1
}

func (l *ActionList) findLocked(preds ...func(*Action) bool) []*Action {
	var out []*Action
	for _, a := range l.pending {
		matched := true
		for _, pred := range preds {
			if !pred(a) {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, a)
		}
	}
	return out
}

func matchMembership(container, member *device.Device, kind ActionKind) func(*Action) bool {
	return func(a *Action) bool {
		return a.kind == kind &&
			a.device.ID() == container.ID() &&
			a.member.ID() == member.ID()
	}
}

// execute performs a's physical work through the target's backend.
// Existence flags are flipped only on success.
func (l *ActionList) execute(a *Action) error {
	d := a.device
	switch a.kind {
	case ActionCreateDevice:
		members := make([]*device.Device, 0, len(d.Parents()))
		for _, pid := range d.Parents() {
			if p, ok := l.tree.devices[pid]; ok {
				members = append(members, p)
			}
		}
		if err := d.Backend().Create(d, members); err != nil {
			return errors.Trace(err)
		}
		d.SetExists(true)
	case ActionDestroyDevice:
		if err := d.Backend().Teardown(d); err != nil {
			return errors.Annotatef(err, "deactivating %q", d.Name())
		}
		if err := d.Backend().Destroy(d); err != nil {
			return errors.Trace(err)
		}
		d.SetExists(false)
	case ActionResizeDevice:
		if err := d.Backend().Resize(d, a.newSize); err != nil {
			return errors.Trace(err)
		}
	case ActionCreateFormat:
		// The device must be active before its format can be
		// written.
		if err := d.Backend().Setup(d); err != nil {
			return errors.Annotatef(err, "activating %q", d.Name())
		}
		if err := a.format.Backend().Create(d, a.format); err != nil {
			return errors.Trace(err)
		}
		a.format.SetExists(true)
	case ActionDestroyFormat:
		if err := d.Backend().Setup(d); err != nil {
			return errors.Annotatef(err, "activating %q", d.Name())
		}
		if err := a.format.Backend().Destroy(d, a.format); err != nil {
			return errors.Trace(err)
		}
		a.format.SetExists(false)
	case ActionResizeFormat:
		if err := d.Backend().Setup(d); err != nil {
			return errors.Annotatef(err, "activating %q", d.Name())
		}
		if err := a.format.Backend().Resize(d, a.format, a.newSize); err != nil {
			return errors.Trace(err)
		}
	case ActionAddMember, ActionRemoveMember:
		mb, ok := d.Backend().(device.MemberBackend)
		if !ok {
			return errors.NotSupportedf("membership changes on %q", d.Name())
		}
		if a.kind == ActionAddMember {
			return errors.Trace(mb.AddMember(d, a.member))
		}
		return errors.Trace(mb.RemoveMember(d, a.member))
	}
	return nil
}

// sortLocked rebuilds the dependency edges over the pending actions
// and re-linearizes them with Kahn's algorithm, breaking ties by
// sequence id so unrelated actions keep insertion order.
func (l *ActionList) sortLocked() error {
	n := len(l.pending)
	if n < 2 {
		return nil
	}
	lookup := l.deviceLookup()
	succ := make(map[*Action][]*Action)
	indegree := make(map[*Action]int, n)
	for _, a := range l.pending {
		indegree[a] = 0
	}
	addEdge := func(from, to *Action) {
		succ[from] = append(succ[from], to)
		indegree[to]++
	}
	for _, x := range l.pending {
		for _, y := range l.pending {
			if x == y {
				continue
			}
			if l.orderedBefore(lookup, x, y) {
				addEdge(x, y)
			}
		}
	}
	order := make([]*Action, 0, n)
	remaining := make([]*Action, n)
	copy(remaining, l.pending)
	for len(order) < n {
		// Lowest ready sequence id first: deterministic, stable.
		var next *Action
		for _, a := range remaining {
			if a == nil || indegree[a] != 0 {
				continue
			}
			if next == nil || a.seq < next.seq {
				next = a
			}
		}
		if next == nil {
			return errors.Errorf("dependency cycle among pending actions")
		}
		for i, a := range remaining {
			if a == next {
				remaining[i] = nil
				break
			}
		}
		order = append(order, next)
		for _, s := range succ[next] {
			indegree[s]--
		}
	}
	l.pending = order
	return nil
}

// deviceLookup indexes every device reachable from the tree or the
// pending actions by id, so ancestor walks still work for devices a
// pending destroy has removed from the tree.
func (l *ActionList) deviceLookup() map[string]*device.Device {
	lookup := make(map[string]*device.Device)
	for id, d := range l.tree.devices {
		lookup[id] = d
	}
	for _, a := range l.pending {
		lookup[a.device.ID()] = a.device
		if a.member != nil {
			lookup[a.member.ID()] = a.member
		}
	}
	return lookup
}

// orderedBefore reports whether the dependency partial order requires
// x to commit before y.
func (l *ActionList) orderedBefore(lookup map[string]*device.Device, x, y *Action) bool {
	if x.device.ID() == y.device.ID() {
		switch {
		case x.kind == ActionCreateDevice && y.kind != ActionCreateDevice:
			// A device is created before anything else happens to it.
			return true
		case y.kind == ActionDestroyDevice && x.kind != ActionDestroyDevice:
			// And destroyed after everything else.
			return true
		case x.kind == ActionDestroyFormat && y.kind == ActionCreateFormat:
			return true
		case x.kind == ActionResizeDevice && y.kind == ActionResizeFormat &&
			x.newSize > x.origSize:
			// Grow the device before growing its format.
			return true
		case x.kind == ActionResizeFormat && y.kind == ActionResizeDevice &&
			y.newSize < y.origSize:
			// Shrink the format before shrinking its device.
			return true
		}
		return false
	}
	if isAncestorIn(lookup, x.device.ID(), y.device) && x.kind == ActionCreateDevice {
		// Ancestors are created before any action on a descendant.
		return true
	}
	if isAncestorIn(lookup, y.device.ID(), x.device) && y.kind == ActionDestroyDevice {
		// Descendant actions complete before an ancestor is destroyed.
		return true
	}
	if x.kind == ActionRemoveMember && y.kind == ActionDestroyDevice &&
		y.device.ID() == x.member.ID() {
		// A member leaves its container before being destroyed.
		return true
	}
	if x.isDestroy() && y.kind == ActionCreateDevice &&
		disksOf(lookup, x.device).Intersection(disksOf(lookup, y.device)).Size() > 0 {
		// Free space on a disk before allocating more of it.
		return true
	}
	return false
}

func isAncestorIn(lookup map[string]*device.Device, id string, d *device.Device) bool {
	for _, pid := range d.Parents() {
		if pid == id {
			return true
		}
		if p, ok := lookup[pid]; ok && isAncestorIn(lookup, id, p) {
			return true
		}
	}
	return false
}

// disksOf returns the ids of the disks underlying d, or d's own id
// when d is itself a disk.
func disksOf(lookup map[string]*device.Device, d *device.Device) set.Strings {
	disks := set.NewStrings()
	var walk func(x *device.Device)
	walk = func(x *device.Device) {
		if x.Kind() == device.KindDisk {
			disks.Add(x.ID())
			return
		}
		for _, pid := range x.Parents() {
			if p, ok := lookup[pid]; ok {
				walk(p)
			}
		}
	}
	walk(d)
	return disks
}
