package registry

// Contact bookkeeping driven by the transport: a successful exchange marks the
// peer Awake at its observed address, a timeout downgrades it to Unknown.

// MadeContact marks id Awake and records its addresses when given. The
// last-contact time is left alone; Touch advances it once the exchange succeeds.
func (r *Registry) MadeContact(id, address, control string) error {
	_, err := r.Update(id, func(p *PeerRecord) {
		if address != "" {
			p.Address = address
		}
		if control != "" {
			p.Control = control
		}
		p.Status = StatusAwake
	})
	return err
}

// Touch sets the last-contact time of id to now.
func (r *Registry) Touch(id string) error {
	now := r.clock.Now()
	_, err := r.Update(id, func(p *PeerRecord) { p.LastContact = now })
	return err
}

// TimedOut notes that id may be asleep.
func (r *Registry) TimedOut(id string) error {
	return r.SetStatus(id, StatusUnknown)
}

// EnsureSelf refreshes the local record on startup: current addresses, Awake,
// contact time now. Name, location and role keep stored values unless unset.
func (r *Registry) EnsureSelf(name, location, address, control string) (PeerRecord, error) {
	now := r.clock.Now()
	return r.Update(r.self, func(p *PeerRecord) {
		if p.Name == "" {
			p.Name = name
		}
		if location != "" {
			p.Location = location
		}
		p.Address = address
		p.Control = control
		p.Status = StatusAwake
		p.LastContact = now
	})
}

// SetSelfStatus changes the local node's status and stamps it, so the change
// wins when merged elsewhere.
func (r *Registry) SetSelfStatus(status Status) (PeerRecord, error) {
	now := r.clock.Now()
	return r.Update(r.self, func(p *PeerRecord) {
		p.Status = status
		p.LastContact = now
	})
}
