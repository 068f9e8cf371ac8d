package transaction

// validate checks that nothing the attempt read has changed: every slot in the read-set
// is still free at the recorded version, or owned by this descriptor and acquired at the
// recorded version.
func (tx *Tx) validate() bool {
	for _, r := range tx.rs {
		l := tx.e.locks.Load(r.lock)
		if l.Owned() {
			o := l.Owner()
			if o.Desc() != tx.id || tx.ws[o.Entry()].version != r.version {
				return false
			}
			continue
		}
		if l.Version() != r.version {
			return false
		}
	}
	return true
}

// extend moves the end of the snapshot to the current clock if the read-set is still valid.
func (tx *Tx) extend() bool {
	now := tx.e.locks.Clock()
	if !tx.validate() {
		return false
	}
	tx.end = now
	return true
}
