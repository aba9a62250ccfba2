package domain

import "errors"

// Phase is the combined persisted+live lifecycle state of a torrent.
type Phase string

const (
	PhaseAbsent          Phase = "absent"
	PhaseMetadataPending Phase = "metadata_pending"
	PhaseDownloading     Phase = "downloading"
	PhaseCompleted       Phase = "completed"
	PhasePaused          Phase = "paused"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines the adjacency list of allowed phase transitions.
var validTransitions = map[Phase][]Phase{
	PhaseAbsent:          {PhaseMetadataPending},
	PhaseMetadataPending: {PhaseDownloading, PhasePaused, PhaseAbsent},
	PhaseDownloading:     {PhaseCompleted, PhasePaused, PhaseAbsent},
	PhaseCompleted:       {PhasePaused, PhaseAbsent},
	PhasePaused:          {PhaseDownloading, PhaseMetadataPending, PhaseAbsent},
}

// CanTransition reports whether a transition from one phase to another is valid.
func CanTransition(from, to Phase) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// PhaseOf derives the phase from a persisted record and whether a live
// session with known metadata backs it. A nil record means absent.
func PhaseOf(rec *TorrentRecord, live, ready bool) Phase {
	if rec == nil || rec.Deleted {
		if live {
			return PhaseMetadataPending
		}
		return PhaseAbsent
	}
	switch {
	case rec.Paused:
		return PhasePaused
	case rec.Complete():
		return PhaseCompleted
	case live && !ready:
		return PhaseMetadataPending
	default:
		return PhaseDownloading
	}
}

// SurvivesRestart reports whether the phase is kept as-is across a process
// restart. Every other phase collapses into "recreate a session".
func (p Phase) SurvivesRestart() bool {
	return p == PhasePaused || p == PhaseAbsent
}
