package server

// Stage is the per-connection state machine. Each connection advances
// through the stages sequentially; failure at any stage is terminal and
// the stage at failure is recorded for logs and metrics.
type Stage int

const (
	StageAccepted Stage = iota
	StageFrameRead
	StageDecrypting
	StageFiltering
	StageForwarding
	StageReEncrypting
	StageResponding
	StageClosed
)

var stageNames = map[Stage]string{
	StageAccepted:     "accepted",
	StageFrameRead:    "frame_read",
	StageDecrypting:   "decrypting",
	StageFiltering:    "filtering",
	StageForwarding:   "forwarding",
	StageReEncrypting: "re_encrypting",
	StageResponding:   "responding",
	StageClosed:       "closed",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}
