package tracker

var transitions = map[State]map[State]bool{
	StateIdle: {
		StateActive: true,
	},
	StateActive: {
		StateGracePaused: true,
		StateSleepPaused: true,
		StateIdle:        true,
	},
	StateGracePaused: {
		StateActive:      true,
		StateSleepPaused: true,
		StateIdle:        true,
	},
	StateSleepPaused: {
		StateActive:      true,
		StateGracePaused: true,
		StateIdle:        true,
	},
}

func canTransition(from, to State) bool {
	if from == to {
		return true
	}
	return transitions[from][to]
}

// settledState derives the resting state from what the tracker holds.
func settledState(current, paused bool, graces int) State {
	switch {
	case current:
		return StateActive
	case paused:
		return StateSleepPaused
	case graces > 0:
		return StateGracePaused
	default:
		return StateIdle
	}
}
