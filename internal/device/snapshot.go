package device

// Snapshot is the flattened, persistable form of a Device.
//
// JSON field names follow the legacy device record so snapshots written by
// older gateways load unchanged.
type Snapshot struct {
	Protocol    string     `json:"protocol"`
	DeviceID    string     `json:"deviceid"`
	LocalKey    string     `json:"localkey"`
	Address     string     `json:"ip"`
	Attributes  Attributes `json:"attributes"`
	TopicConfig bool       `json:"topic_config"`
	PollCommand int        `json:"pref_status_cmd"`
}

// Identity returns the identity carried by the snapshot.
func (s Snapshot) Identity() Identity {
	return Identity{
		ID:       s.DeviceID,
		LocalKey: s.LocalKey,
		Address:  s.Address,
		Protocol: s.Protocol,
	}
}

// Snapshot captures the device's identity and current data point values.
func (d *Device) Snapshot() Snapshot {
	return Snapshot{
		Protocol:    d.identity.Protocol,
		DeviceID:    d.identity.ID,
		LocalKey:    d.identity.LocalKey,
		Address:     d.identity.Address,
		Attributes:  d.Attributes(),
		TopicConfig: d.topicEncoded,
		PollCommand: d.pollCommand,
	}
}

// FromSnapshot rebuilds a Device from a persisted snapshot.
//
// Stored values are seeded as the current output without flagging a
// change, so the first device report after restart only publishes what
// actually moved. opts.TopicEncoded and opts.PollCommand are taken from the
// snapshot.
func FromSnapshot(s Snapshot, opts Options) *Device {
	opts.TopicEncoded = s.TopicConfig
	opts.PollCommand = s.PollCommand

	identity := s.Identity()
	identity.Protocol = NormalizeProtocol(identity.Protocol)

	d := New(identity, opts)
	for id, value := range s.Attributes.DPS {
		d.dataPoint(id).seed(value, s.Attributes.Via[id])
	}
	return d
}
