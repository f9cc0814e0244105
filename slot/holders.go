package slot

// MarkHolder records receiverIdx as holding this slot and sets the
// global-visibility flag before the caller pushes the slot index onto
// any available queue, so a reader that observes the index via the
// queue also observes the flag set.
func (d *Descriptor) MarkHolder(receiverIdx uint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.holders.Set(receiverIdx)
	d.state = StatePublishedTracked
	d.setVisible(true)
}

// ClearHolder removes receiverIdx from the holder-set. If the holder-set becomes empty, the global-visibility
// flag is cleared and the slot becomes reclaimable.
func (d *Descriptor) ClearHolder(receiverIdx uint) (nowEmpty bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.holders.Clear(receiverIdx)
	if d.holders.None() {
		d.setVisible(false)
		d.state = StateReclaimable
		return true
	}
	return false
}

// HasHolder reports whether receiverIdx currently holds this slot.
func (d *Descriptor) HasHolder(receiverIdx uint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.holders.Test(receiverIdx)
}

// HolderCount reports how many receivers currently hold this slot.
func (d *Descriptor) HolderCount() uint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.holders.Count()
}

// SetOwnedByServer transitions a freshly-acquired slot. Called by
// router.Server.AcquireSlot while holding the token checkout.
func (d *Descriptor) SetOwnedByServer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = StateOwnedByServer
}

// SetFree transitions a reclaimed/unacquired slot back to Free. Called
// by router.Server.UnacquireSlot.
func (d *Descriptor) SetFree() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = StateFree
}
