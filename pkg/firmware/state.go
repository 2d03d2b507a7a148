package firmware

type State int32

const (
	StateIdle State = iota
	StateValidatingFile
	StateEnteringSequence
	StateTransferringBlocks
	StateVerifying
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidatingFile:
		return "validating file"
	case StateEnteringSequence:
		return "entering bootloader"
	case StateTransferringBlocks:
		return "transferring blocks"
	case StateVerifying:
		return "verifying"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the upgrade has finished either way.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}
